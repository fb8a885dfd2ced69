package backend_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"ticket-portal/internal/backend"
	"ticket-portal/internal/config"
	apperrors "ticket-portal/internal/errors"
	"ticket-portal/internal/testutil"
)

func newClient(t *testing.T) (*backend.Client, *testutil.FakeBackend) {
	t.Helper()
	fake := testutil.NewFakeBackend(t)
	client := backend.NewClient(config.BackendConfig{
		BaseURL: fake.URL() + "/",
		Timeout: 5 * time.Second,
	}, testutil.DiscardLogger())
	return client, fake
}

func TestPendingRequests(t *testing.T) {
	client, fake := newClient(t)
	chatID := int64(77)
	fake.SetRequests(backend.PendingRequest{
		ID:         "ABC123",
		Username:   "maria",
		Plan:       backend.Plan{ID: "2h", Name: "Plan 2 horas", PriceUSD: 0.37},
		PaymentRef: "REF9",
		Status:     "pending",
		ChatID:     &chatID,
	})

	reqs, err := client.PendingRequests(context.Background())
	if err != nil {
		t.Fatalf("PendingRequests: %v", err)
	}
	got, ok := reqs["ABC123"]
	if !ok {
		t.Fatalf("request ABC123 missing from %v", reqs)
	}
	if got.Plan.ID != "2h" || got.ChatID == nil || *got.ChatID != 77 {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestPendingRequests_Empty(t *testing.T) {
	client, _ := newClient(t)

	reqs, err := client.PendingRequests(context.Background())
	if err != nil {
		t.Fatalf("PendingRequests: %v", err)
	}
	if reqs == nil || len(reqs) != 0 {
		t.Errorf("want empty non-nil map, got %#v", reqs)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind apperrors.Kind
		wantMsg  string
	}{
		{"server error with message", http.StatusInternalServerError, `{"error":"db down"}`, apperrors.KindStatus, "db down"},
		{"plain text failure", http.StatusBadGateway, `bad gateway`, apperrors.KindStatus, ""},
		{"malformed body", http.StatusOK, `{"broken":`, apperrors.KindDecode, ""},
		{"object instead of list", http.StatusOK, `{"error":"nope"}`, apperrors.KindDecode, ""},
		{"null list", http.StatusOK, `null`, apperrors.KindDecode, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, fake := newClient(t)
			fake.Override(testutil.RoutePlans, tt.status, tt.body)

			_, err := client.Plans(context.Background())
			kind, ok := apperrors.KindOf(err)
			if !ok || kind != tt.wantKind {
				t.Fatalf("kind = %v (%v), want %v; err = %v", kind, ok, tt.wantKind, err)
			}
			if got := apperrors.GetUserMessage(err, ""); got != tt.wantMsg {
				t.Errorf("user message = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestTransportFailure(t *testing.T) {
	client, fake := newClient(t)
	fake.Server.Close()

	err := client.Approve(context.Background(), "X")
	kind, ok := apperrors.KindOf(err)
	if !ok || kind != apperrors.KindTransport {
		t.Fatalf("kind = %v, want transport; err = %v", kind, err)
	}
	if !apperrors.IsRetryable(err) {
		t.Error("transport failures should be retryable")
	}
}

func TestApprove_NotFound(t *testing.T) {
	client, fake := newClient(t)

	err := client.Approve(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for unknown request")
	}
	if got := apperrors.GetUserMessage(err, ""); got != "Solicitud no encontrada" {
		t.Errorf("user message = %q", got)
	}
	if paths := fake.Paths(testutil.RouteApprove); len(paths) != 1 || paths[0] != "/api/admin/approve/missing" {
		t.Errorf("paths = %v", paths)
	}
}

func TestDeleteUser_EscapesUsername(t *testing.T) {
	client, fake := newClient(t)
	fake.SetUsers(backend.ActiveUser{Username: "ana maria"})

	if err := client.DeleteUser(context.Background(), "ana maria"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	users, err := client.ActiveUsers(context.Background())
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("user not deleted: %v", users)
	}
}

func TestSubmitRequestAndStatus(t *testing.T) {
	client, fake := newClient(t)
	fake.SetNextRequestID("K7Q2ZP0A")
	fake.SetStatus(backend.StatusResponse{Status: backend.StatusApproved, Ticket: "TCK-1"})

	sub := backend.PaymentSubmission{
		Plan:         backend.Plan{ID: "p1", PriceUSD: 10},
		PaymentRef:   "REF123",
		PaymentProof: "data:image/png;base64,AAAA",
	}
	id, err := client.SubmitRequest(context.Background(), sub)
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	if id != "K7Q2ZP0A" {
		t.Errorf("id = %q", id)
	}
	if got := fake.Submissions(); len(got) != 1 || got[0] != sub {
		t.Errorf("submissions = %+v", got)
	}

	st, err := client.CheckStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if !st.Status.Terminal() || st.Ticket != "TCK-1" {
		t.Errorf("status = %+v", st)
	}
}

func TestSubmitRequest_NoID(t *testing.T) {
	client, fake := newClient(t)
	fake.Override(testutil.RouteSubmit, http.StatusOK, `{}`)

	_, err := client.SubmitRequest(context.Background(), backend.PaymentSubmission{})
	if kind, _ := apperrors.KindOf(err); kind != apperrors.KindDecode {
		t.Errorf("err = %v, want decode failure", err)
	}
}

func TestLogEntrySeverity(t *testing.T) {
	tests := map[string]string{
		"ERROR":   "error",
		"warning": "warning",
		"WARN":    "warning",
		"Info":    "info",
		"debug":   "",
		"":        "",
	}
	for level, want := range tests {
		if got := (backend.LogEntry{Level: level}).Severity(); got != want {
			t.Errorf("Severity(%q) = %q, want %q", level, got, want)
		}
	}
}

func TestPlans_FractionalDuration(t *testing.T) {
	client, fake := newClient(t)
	fake.Override(testutil.RoutePlans, http.StatusOK,
		`[{"id":"30m","name":"Media hora","duration":30.0,"price_usd":0.2,"price_bs":7.3},
		  {"id":"1h","name":"Hora","duration":60,"price_usd":0.37,"price_bs":13.5}]`)

	plans, err := client.Plans(context.Background())
	if err != nil {
		t.Fatalf("Plans: %v", err)
	}
	if len(plans) != 2 || plans[0].Duration != 30 || plans[0].Length() != 30*time.Minute {
		t.Errorf("unexpected plans: %+v", plans)
	}
}

func TestPlanString(t *testing.T) {
	tests := []struct {
		plan backend.Plan
		want string
	}{
		{backend.Plan{Name: "Hora", Duration: 60, PriceUSD: 1, PriceBs: 36.5}, "Hora (1 hora) - $1.00 / Bs 36.50"},
		{backend.Plan{Name: "Mes", Duration: 43200, PriceUSD: 1234.5, PriceBs: 45000}, "Mes (30 días) - $1,234.50 / Bs 45,000.00"},
		{backend.Plan{Name: "Corto", Duration: 90}, "Corto (90 min) - $0.00 / Bs 0.00"},
		{backend.Plan{Name: "Media", Duration: 30.0}, "Media (30 min) - $0.00 / Bs 0.00"},
		{backend.Plan{Name: "Día", Duration: 1440}, "Día (1 día) - $0.00 / Bs 0.00"},
	}
	for _, tt := range tests {
		if got := tt.plan.String(); got != tt.want {
			t.Errorf("%s.String() = %q, want %q", tt.plan.Name, got, tt.want)
		}
	}
}
