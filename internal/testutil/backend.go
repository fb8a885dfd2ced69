// Package testutil provides a scriptable fake of the portal REST API for
// controller and client tests.
package testutil

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"ticket-portal/internal/backend"
)

// Route names accepted by Calls and Override
const (
	RouteRequests     = "list-requests"
	RouteUsers        = "list-users"
	RouteApprove      = "approve"
	RouteReject       = "reject"
	RouteDeleteUser   = "delete-user"
	RouteSystemStatus = "system-status"
	RouteSystemLogs   = "system-logs"
	RoutePlans        = "list-plans"
	RouteSubmit       = "submit-request"
	RouteCheckStatus  = "check-status"
	RouteRefund       = "refund"
)

type override struct {
	status int
	body   string
}

// FakeBackend serves the portal API from in-memory fixtures. Each route
// can be overridden to return an arbitrary status and raw body.
type FakeBackend struct {
	Server *httptest.Server

	mu          sync.Mutex
	calls       map[string]int
	overrides   map[string]override
	paths       map[string][]string
	requests    map[string]backend.PendingRequest
	users       []backend.ActiveUser
	logs        []backend.LogEntry
	systemLogs  backend.SystemLogs
	plans       []backend.Plan
	status      backend.StatusResponse
	nextID      string
	submissions []backend.PaymentSubmission
	refunds     []backend.RefundRequest
}

// NewFakeBackend starts a fake backend that is closed when the test ends
func NewFakeBackend(t *testing.T) *FakeBackend {
	t.Helper()

	f := &FakeBackend{
		calls:     make(map[string]int),
		overrides: make(map[string]override),
		paths:     make(map[string][]string),
		requests:  make(map[string]backend.PendingRequest),
		status:    backend.StatusResponse{Status: backend.StatusPending},
		nextID:    "REQ00001",
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/admin/requests", f.wrap(RouteRequests, f.handleRequests)).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/users", f.wrap(RouteUsers, f.handleUsers)).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/approve/{id}", f.wrap(RouteApprove, f.handleDecision)).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/reject/{id}", f.wrap(RouteReject, f.handleDecision)).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/users/{username}", f.wrap(RouteDeleteUser, f.handleDeleteUser)).Methods(http.MethodDelete)
	r.HandleFunc("/api/admin/system-status", f.wrap(RouteSystemStatus, f.handleSystemStatus)).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/system-logs", f.wrap(RouteSystemLogs, f.handleSystemLogs)).Methods(http.MethodGet)
	r.HandleFunc("/api/plans", f.wrap(RoutePlans, f.handlePlans)).Methods(http.MethodGet)
	r.HandleFunc("/api/submit-request", f.wrap(RouteSubmit, f.handleSubmit)).Methods(http.MethodPost)
	r.HandleFunc("/api/check-status/{id}", f.wrap(RouteCheckStatus, f.handleCheckStatus)).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/refund", f.wrap(RouteRefund, f.handleRefund)).Methods(http.MethodPost)

	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base URL of the fake
func (f *FakeBackend) URL() string {
	return f.Server.URL
}

// Calls returns how many times a route was hit
func (f *FakeBackend) Calls(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

// Paths returns the request paths seen on a route, in order
func (f *FakeBackend) Paths(route string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths[route]...)
}

// Override makes route answer with status and a raw body until cleared
func (f *FakeBackend) Override(route string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[route] = override{status: status, body: body}
}

// ClearOverride restores the fixture-backed behavior of route
func (f *FakeBackend) ClearOverride(route string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.overrides, route)
}

func (f *FakeBackend) SetRequests(reqs ...backend.PendingRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = make(map[string]backend.PendingRequest, len(reqs))
	for _, r := range reqs {
		f.requests[r.ID] = r
	}
}

func (f *FakeBackend) SetUsers(users ...backend.ActiveUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = users
}

func (f *FakeBackend) SetLogs(logs ...backend.LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = logs
}

func (f *FakeBackend) SetSystemLogs(logs backend.SystemLogs) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systemLogs = logs
}

func (f *FakeBackend) SetPlans(plans ...backend.Plan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = plans
}

// SetStatus sets what check-status answers for any request ID
func (f *FakeBackend) SetStatus(status backend.StatusResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// SetNextRequestID sets the ID handed out by the next submission
func (f *FakeBackend) SetNextRequestID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID = id
}

func (f *FakeBackend) Submissions() []backend.PaymentSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.PaymentSubmission(nil), f.submissions...)
}

func (f *FakeBackend) Refunds() []backend.RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.RefundRequest(nil), f.refunds...)
}

func (f *FakeBackend) wrap(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls[route]++
		f.paths[route] = append(f.paths[route], r.URL.Path)
		ov, ok := f.overrides[route]
		f.mu.Unlock()

		if ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(ov.status)
			io.WriteString(w, ov.body)
			return
		}
		next(w, r)
	}
}

func (f *FakeBackend) handleRequests(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, f.requests)
}

func (f *FakeBackend) handleUsers(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := f.users
	if users == nil {
		users = []backend.ActiveUser{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (f *FakeBackend) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.requests[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Solicitud no encontrada"})
		return
	}
	delete(f.requests, id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (f *FakeBackend) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.users[:0:0]
	for _, u := range f.users {
		if u.Username != username {
			kept = append(kept, u)
		}
	}
	f.users = kept
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (f *FakeBackend) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, backend.SystemStatus{Status: "ok", Logs: f.logs})
}

func (f *FakeBackend) handleSystemLogs(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, f.systemLogs)
}

func (f *FakeBackend) handlePlans(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plans := f.plans
	if plans == nil {
		plans = []backend.Plan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

func (f *FakeBackend) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub backend.PaymentSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Faltan datos requeridos"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, sub)
	writeJSON(w, http.StatusOK, backend.SubmitResponse{RequestID: f.nextID})
}

func (f *FakeBackend) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, f.status)
}

func (f *FakeBackend) handleRefund(w http.ResponseWriter, r *http.Request) {
	var refund backend.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&refund); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Falta el campo requerido: username"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, refund)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
