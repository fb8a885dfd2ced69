// Package dashboard implements the administrator view-state: pending
// requests, active users and log tails, refreshed on a timer for whichever
// tab is showing.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"ticket-portal/internal/backend"
	apperrors "ticket-portal/internal/errors"
	"ticket-portal/internal/inflight"
	"ticket-portal/internal/poll"
)

// Topic is the publish topic for dashboard snapshots
const Topic = "dashboard"

// DefaultPollInterval is the refresh period of the active tab
const DefaultPollInterval = 30 * time.Second

// Tab selects which view the poll loop keeps fresh
type Tab string

const (
	TabRequests    Tab = "requests"
	TabActiveUsers Tab = "active-users"
	TabLogs        Tab = "logs"
)

// ParseTab validates a tab name
func ParseTab(s string) (Tab, error) {
	switch t := Tab(s); t {
	case TabRequests, TabActiveUsers, TabLogs:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tab %q", s)
	}
}

// API is the part of the backend client the dashboard uses
type API interface {
	PendingRequests(ctx context.Context) (map[string]backend.PendingRequest, error)
	ActiveUsers(ctx context.Context) ([]backend.ActiveUser, error)
	Approve(ctx context.Context, requestID string) error
	Reject(ctx context.Context, requestID string) error
	DeleteUser(ctx context.Context, username string) error
	SystemStatus(ctx context.Context) (backend.SystemStatus, error)
	SystemLogs(ctx context.Context) (backend.SystemLogs, error)
}

// Confirmer asks the operator to confirm a destructive action
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

// ConfirmFunc adapts a function to Confirmer
type ConfirmFunc func(ctx context.Context, prompt string) bool

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) bool {
	return f(ctx, prompt)
}

// Publisher receives a snapshot after every view-state change
type Publisher interface {
	Publish(topic string, v any)
}

// View is a snapshot of the dashboard view-state
type View struct {
	Tab             Tab                               `json:"tab"`
	PendingRequests map[string]backend.PendingRequest `json:"pendingRequests"`
	RequestsOK      bool                              `json:"requestsOk"`
	ActiveUsers     []backend.ActiveUser              `json:"activeUsers"`
	ClientBotLogs   []backend.LogEntry                `json:"clientBotLogs"`
	ManagerLogs     []backend.LogEntry                `json:"managerLogs"`
	ServerLogs      []backend.LogEntry                `json:"serverLogs"`
	Polling         bool                              `json:"polling"`
}

// Options configures a Dashboard. Zero values get defaults; a nil
// Confirmer declines every removal.
type Options struct {
	Clock        clockwork.Clock
	PollInterval time.Duration
	Confirmer    Confirmer
	Publisher    Publisher
	Logger       *slog.Logger
}

// Dashboard is the admin controller
type Dashboard struct {
	api      API
	clock    clockwork.Clock
	interval time.Duration
	confirm  Confirmer
	pub      Publisher
	logger   *slog.Logger
	guard    *inflight.Guard

	mu        sync.Mutex
	view      View
	task      *poll.Task
	cancel    context.CancelFunc
	unmounted bool
}

// New creates a dashboard showing the requests tab
func New(api API, opts Options) *Dashboard {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Dashboard{
		api:      api,
		clock:    opts.Clock,
		interval: opts.PollInterval,
		confirm:  opts.Confirmer,
		pub:      opts.Publisher,
		logger:   opts.Logger.With("component", "dashboard"),
		guard:    inflight.NewGuard(),
		view: View{
			Tab:             TabRequests,
			PendingRequests: map[string]backend.PendingRequest{},
			ActiveUsers:     []backend.ActiveUser{},
			ClientBotLogs:   []backend.LogEntry{},
			ManagerLogs:     []backend.LogEntry{},
			ServerLogs:      []backend.LogEntry{},
		},
	}
}

// Mount loads every view once and starts the refresh loop. Work started by
// Mount is cancelled by Unmount; if Unmount wins the race, Mount returns
// errors.ErrUnmounted and no loop is left running.
func (d *Dashboard) Mount(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.cancel = cancel
	d.unmounted = false
	d.mu.Unlock()

	d.RefreshRequests(ctx)
	d.RefreshActiveUsers(ctx)
	d.RefreshLogs(ctx)

	_, err := d.StartPolling(ctx)
	return err
}

// Unmount cancels in-flight mount work and stops the refresh loop. Until
// the next Mount, StartPolling refuses to start. It is safe to call when
// not mounted.
func (d *Dashboard) Unmount() {
	d.mu.Lock()
	d.unmounted = true
	cancel := d.cancel
	d.cancel = nil
	task := d.task
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.StopPolling(task)
}

// RefreshRequests replaces the pending request map. Failures are logged
// and leave an empty map with RequestsOK unset.
func (d *Dashboard) RefreshRequests(ctx context.Context) {
	reqs, err := d.api.PendingRequests(ctx)
	if err != nil {
		d.logger.Warn("refresh failed", "op", "requests", "error", err)
		reqs = map[string]backend.PendingRequest{}
	}
	d.update(func(v *View) {
		v.PendingRequests = reqs
		v.RequestsOK = err == nil
	})
}

// RefreshActiveUsers replaces the active user list. Failures are logged
// and leave an empty list.
func (d *Dashboard) RefreshActiveUsers(ctx context.Context) {
	users, err := d.api.ActiveUsers(ctx)
	if err != nil {
		d.logger.Warn("refresh failed", "op", "active-users", "error", err)
	}
	if users == nil {
		users = []backend.ActiveUser{}
	}
	d.update(func(v *View) { v.ActiveUsers = users })
}

// RefreshLogs replaces the client bot log tail from the system status
func (d *Dashboard) RefreshLogs(ctx context.Context) {
	status, err := d.api.SystemStatus(ctx)
	if err != nil {
		d.logger.Warn("refresh failed", "op", "logs", "error", err)
	}
	logs := status.Logs
	if err != nil || logs == nil {
		logs = []backend.LogEntry{}
	}
	d.update(func(v *View) { v.ClientBotLogs = logs })
}

// RefreshSystemLogs fills all three log tails from the per-process logs
func (d *Dashboard) RefreshSystemLogs(ctx context.Context) {
	logs, err := d.api.SystemLogs(ctx)
	if err != nil {
		d.logger.Warn("refresh failed", "op", "system-logs", "error", err)
		logs = backend.SystemLogs{}
	}
	d.update(func(v *View) {
		v.ClientBotLogs = orEmpty(logs.ClientBotLogs)
		v.ManagerLogs = orEmpty(logs.ManagerLogs)
		v.ServerLogs = orEmpty(logs.ServerLogs)
	})
}

// Approve approves a request and, on success, refreshes the request map.
// On failure the view is untouched and the typed error is returned.
func (d *Dashboard) Approve(ctx context.Context, requestID string) error {
	return d.decide(ctx, "approve", requestID, d.api.Approve)
}

// Reject rejects a request and, on success, refreshes the request map
func (d *Dashboard) Reject(ctx context.Context, requestID string) error {
	return d.decide(ctx, "reject", requestID, d.api.Reject)
}

func (d *Dashboard) decide(ctx context.Context, op, requestID string, call func(context.Context, string) error) error {
	key := "request:" + requestID
	if !d.guard.TryAcquire(key) {
		return apperrors.ErrActionInProgress
	}
	defer d.guard.Release(key)

	if err := call(ctx, requestID); err != nil {
		kind, _ := apperrors.KindOf(err)
		d.logger.Warn("decision failed", "op", op, "request_id", requestID, "kind", kind.String(), "error", err)
		return err
	}

	d.logger.Info("request decided", "op", op, "request_id", requestID)
	d.RefreshRequests(ctx)
	return nil
}

// RemoveUser deletes an active user after the Confirmer agrees. A declined
// confirmation sends nothing and returns errors.ErrNotConfirmed.
func (d *Dashboard) RemoveUser(ctx context.Context, username string) error {
	prompt := fmt.Sprintf("¿Estás seguro de que deseas eliminar al usuario %s?", username)
	if d.confirm == nil || !d.confirm.Confirm(ctx, prompt) {
		return apperrors.ErrNotConfirmed
	}

	key := "user:" + username
	if !d.guard.TryAcquire(key) {
		return apperrors.ErrActionInProgress
	}
	defer d.guard.Release(key)

	if err := d.api.DeleteUser(ctx, username); err != nil {
		kind, _ := apperrors.KindOf(err)
		d.logger.Warn("remove user failed", "username", username, "kind", kind.String(), "error", err)
		return err
	}

	d.logger.Info("user removed", "username", username)
	d.RefreshActiveUsers(ctx)
	return nil
}

// SetTab switches the tab the refresh loop follows
func (d *Dashboard) SetTab(tab Tab) error {
	if _, err := ParseTab(string(tab)); err != nil {
		return err
	}
	d.update(func(v *View) { v.Tab = tab })
	return nil
}

// CurrentTab returns the active tab
func (d *Dashboard) CurrentTab() Tab {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view.Tab
}

// StartPolling starts the refresh loop and returns its handle. Only one
// loop may run at a time; a second call returns poll.ErrAlreadyRunning.
// After Unmount it returns errors.ErrUnmounted.
func (d *Dashboard) StartPolling(ctx context.Context) (*poll.Task, error) {
	d.mu.Lock()
	if d.unmounted {
		d.mu.Unlock()
		return nil, apperrors.ErrUnmounted
	}
	if d.task != nil && d.task.Active() {
		d.mu.Unlock()
		return nil, poll.ErrAlreadyRunning
	}
	task := poll.Start(ctx, d.clock, poll.Every(d.interval), d.logger, d.tick)
	d.task = task
	d.mu.Unlock()

	d.logger.Debug("refresh loop started", "task_id", task.ID(), "interval", d.interval)
	d.publish()
	return task, nil
}

// StopPolling stops task and waits for it to exit. Stale or nil handles
// are ignored.
func (d *Dashboard) StopPolling(task *poll.Task) {
	if task == nil {
		return
	}
	task.Stop()

	d.mu.Lock()
	if d.task == task {
		d.task = nil
	}
	d.mu.Unlock()

	d.publish()
}

// Polling reports whether the refresh loop is running
func (d *Dashboard) Polling() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.polling()
}

func (d *Dashboard) polling() bool {
	return d.task != nil && d.task.Active()
}

func (d *Dashboard) tick(ctx context.Context) bool {
	switch d.CurrentTab() {
	case TabRequests:
		d.RefreshRequests(ctx)
	case TabActiveUsers:
		d.RefreshActiveUsers(ctx)
	case TabLogs:
		d.RefreshLogs(ctx)
	}
	return false
}

// Snapshot returns a copy of the current view-state
func (d *Dashboard) Snapshot() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot()
}

func (d *Dashboard) snapshot() View {
	v := d.view
	v.PendingRequests = maps.Clone(d.view.PendingRequests)
	v.ActiveUsers = slices.Clone(d.view.ActiveUsers)
	v.ClientBotLogs = slices.Clone(d.view.ClientBotLogs)
	v.ManagerLogs = slices.Clone(d.view.ManagerLogs)
	v.ServerLogs = slices.Clone(d.view.ServerLogs)
	v.Polling = d.polling()
	return v
}

func (d *Dashboard) update(fn func(v *View)) {
	d.mu.Lock()
	fn(&d.view)
	d.mu.Unlock()

	d.publish()
}

func (d *Dashboard) publish() {
	if d.pub == nil {
		return
	}
	d.pub.Publish(Topic, d.Snapshot())
}

func orEmpty(logs []backend.LogEntry) []backend.LogEntry {
	if logs == nil {
		return []backend.LogEntry{}
	}
	return logs
}
