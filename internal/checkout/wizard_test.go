package checkout

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"ticket-portal/internal/backend"
	"ticket-portal/internal/config"
	apperrors "ticket-portal/internal/errors"
	"ticket-portal/internal/poll"
	"ticket-portal/internal/testutil"
)

var planBasic = backend.Plan{ID: "p1", Name: "Básico", Duration: 60, PriceUSD: 10, PriceBs: 365}

type fakeDialog struct {
	mu   sync.Mutex
	msgs []string
}

func (d *fakeDialog) Alert(ctx context.Context, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
}

func (d *fakeDialog) messages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.msgs...)
}

// gatedProof releases each path's result only when the test says so
type gatedProof struct {
	mu    sync.Mutex
	gates map[string]chan string
}

func newGatedProof(paths ...string) *gatedProof {
	g := &gatedProof{gates: make(map[string]chan string)}
	for _, p := range paths {
		g.gates[p] = make(chan string, 1)
	}
	return g
}

func (g *gatedProof) EncodeFile(ctx context.Context, path string) (string, error) {
	g.mu.Lock()
	gate, ok := g.gates[path]
	g.mu.Unlock()
	if !ok {
		return "", errors.New("no such file")
	}
	select {
	case url := <-gate:
		return url, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *gatedProof) release(path, url string) {
	g.gates[path] <- url
}

type fixture struct {
	wiz    *Wizard
	fake   *testutil.FakeBackend
	clock  *clockwork.FakeClock
	dialog *fakeDialog
	rec    *testutil.Recorder
}

func newFixture(t *testing.T, policy poll.Policy, proof ProofEncoder) *fixture {
	t.Helper()
	fake := testutil.NewFakeBackend(t)
	fake.SetPlans(planBasic, backend.Plan{ID: "p2", Name: "Premium", Duration: 1440, PriceUSD: 25})
	client := backend.NewClient(config.BackendConfig{BaseURL: fake.URL(), Timeout: 5 * time.Second}, testutil.DiscardLogger())
	clock := clockwork.NewFakeClock()
	dialog := &fakeDialog{}
	rec := &testutil.Recorder{}

	wiz := New(client, Options{
		Clock:        clock,
		StatusPolicy: policy,
		Proof:        proof,
		Dialog:       dialog,
		Publisher:    rec,
		Logger:       testutil.DiscardLogger(),
	})
	t.Cleanup(wiz.Unmount)

	return &fixture{wiz: wiz, fake: fake, clock: clock, dialog: dialog, rec: rec}
}

// submitted mounts the wizard and submits p1 with REF123
func (f *fixture) submitted(t *testing.T) {
	t.Helper()
	f.wiz.Mount(context.Background())
	f.wiz.SelectPlan(planBasic)
	f.wiz.NextStep()
	f.wiz.SetPaymentRef("REF123")
	if err := f.wiz.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestMount_LoadsPlansOnce(t *testing.T) {
	f := newFixture(t, poll.Policy{}, nil)

	f.wiz.Mount(context.Background())
	f.wiz.Mount(context.Background())

	v := f.wiz.Snapshot()
	if !v.PlansLoaded || len(v.Plans) != 2 {
		t.Fatalf("plans not loaded: %+v", v)
	}
	if got := f.fake.Calls(testutil.RoutePlans); got != 1 {
		t.Errorf("plans fetched %d times, want 1", got)
	}
	if v.Step != StepPlan {
		t.Errorf("Step = %d, want %d", v.Step, StepPlan)
	}
}

func TestMount_PlanFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"db down"}`},
		{"not an array", http.StatusOK, `{"plans":[]}`},
		{"null", http.StatusOK, `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, poll.Policy{}, nil)
			f.fake.Override(testutil.RoutePlans, tt.status, tt.body)

			f.wiz.Mount(context.Background())

			v := f.wiz.Snapshot()
			if v.Error != MsgPlansFailed {
				t.Errorf("Error = %q, want %q", v.Error, MsgPlansFailed)
			}
			if v.PlansLoaded || len(v.Plans) != 0 {
				t.Errorf("plans should stay empty: %+v", v.Plans)
			}
		})
	}
}

func TestSteps_Clamp(t *testing.T) {
	f := newFixture(t, poll.Policy{}, nil)

	f.wiz.PrevStep()
	if got := f.wiz.Snapshot().Step; got != StepPlan {
		t.Errorf("Step after PrevStep at start = %d, want %d", got, StepPlan)
	}
	for i := 0; i < 6; i++ {
		f.wiz.NextStep()
	}
	if got := f.wiz.Snapshot().Step; got != StepResolved {
		t.Errorf("Step after many NextStep = %d, want %d", got, StepResolved)
	}
}

func TestSelectPlanByID(t *testing.T) {
	f := newFixture(t, poll.Policy{}, nil)
	f.wiz.Mount(context.Background())

	if err := f.wiz.SelectPlanByID("p2"); err != nil {
		t.Fatalf("SelectPlanByID: %v", err)
	}
	if p := f.wiz.Snapshot().SelectedPlan; p == nil || p.Name != "Premium" {
		t.Errorf("SelectedPlan = %+v", p)
	}
	if err := f.wiz.SelectPlanByID("nope"); !errors.Is(err, apperrors.ErrNoPlanSelected) {
		t.Errorf("unknown plan err = %v", err)
	}
}

func TestSubmit_StartsStatusPoll(t *testing.T) {
	f := newFixture(t, poll.Every(5*time.Second), nil)
	f.submitted(t)

	v := f.wiz.Snapshot()
	if v.RequestID != "REQ00001" {
		t.Errorf("RequestID = %q", v.RequestID)
	}
	if v.Step != StepWaiting {
		t.Errorf("Step = %d, want %d", v.Step, StepWaiting)
	}
	if !f.wiz.Polling() {
		t.Error("status poll should be active right after submit")
	}

	subs := f.fake.Submissions()
	if len(subs) != 1 {
		t.Fatalf("got %d submissions", len(subs))
	}
	if subs[0].Plan.ID != "p1" || subs[0].Plan.PriceUSD != 10 || subs[0].PaymentRef != "REF123" {
		t.Errorf("unexpected submission: %+v", subs[0])
	}
}

func TestSubmit_Failure(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"server message", http.StatusBadRequest, `{"error":"Faltan datos requeridos"}`, "Faltan datos requeridos"},
		{"no message", http.StatusInternalServerError, `oops`, MsgSubmitFailed},
		{"missing id", http.StatusOK, `{}`, MsgSubmitFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, poll.Every(5*time.Second), nil)
			f.wiz.Mount(context.Background())
			f.wiz.SelectPlan(planBasic)
			f.wiz.NextStep()
			f.fake.Override(testutil.RouteSubmit, tt.status, tt.body)

			if err := f.wiz.Submit(context.Background()); err == nil {
				t.Fatal("Submit should fail")
			}

			v := f.wiz.Snapshot()
			if v.Error != tt.want {
				t.Errorf("Error = %q, want %q", v.Error, tt.want)
			}
			if v.Step != StepPayment || v.RequestID != "" || f.wiz.Polling() {
				t.Errorf("failed submit changed state: %+v", v)
			}
		})
	}
}

func TestSubmit_NoPlan(t *testing.T) {
	f := newFixture(t, poll.Every(5*time.Second), nil)

	err := f.wiz.Submit(context.Background())
	if !errors.Is(err, apperrors.ErrNoPlanSelected) {
		t.Fatalf("err = %v, want ErrNoPlanSelected", err)
	}
	if got := f.fake.Calls(testutil.RouteSubmit); got != 0 {
		t.Errorf("submit called %d times", got)
	}
}

func TestStatusPoll_Approved(t *testing.T) {
	f := newFixture(t, poll.Every(5*time.Second), nil)
	f.submitted(t)
	f.fake.SetStatus(backend.StatusResponse{Status: backend.StatusApproved, Ticket: "TCK-1"})

	testutil.AdvanceArmed(t, f.clock, 1, 5*time.Second)
	testutil.Eventually(t, func() bool { return f.wiz.Snapshot().Step == StepResolved }, "step 4 after approval")
	testutil.Eventually(t, func() bool { return !f.wiz.Polling() }, "poll stopped after approval")

	v := f.wiz.Snapshot()
	if v.Ticket != "TCK-1" || v.RequestStatus != backend.StatusApproved {
		t.Errorf("unexpected view: %+v", v)
	}

	f.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got := f.fake.Calls(testutil.RouteCheckStatus); got != 1 {
		t.Errorf("check-status called %d times, want 1", got)
	}
}

func TestStatusPoll_Rejected(t *testing.T) {
	f := newFixture(t, poll.Every(5*time.Second), nil)
	f.submitted(t)
	f.fake.SetStatus(backend.StatusResponse{Status: backend.StatusRejected})

	testutil.AdvanceArmed(t, f.clock, 1, 5*time.Second)
	testutil.Eventually(t, func() bool { return !f.wiz.Polling() }, "poll stopped after rejection")

	v := f.wiz.Snapshot()
	if v.Step != StepResolved || v.RequestStatus != backend.StatusRejected || v.Ticket != "" {
		t.Errorf("unexpected view: %+v", v)
	}
}

func TestStatusPoll_PendingKeepsPolling(t *testing.T) {
	f := newFixture(t, poll.Every(5*time.Second), nil)
	f.submitted(t)

	for i := 1; i <= 2; i++ {
		testutil.AdvanceArmed(t, f.clock, 1, 5*time.Second)
		testutil.Eventually(t, func() bool { return f.fake.Calls(testutil.RouteCheckStatus) == i }, "status polled")
	}

	v := f.wiz.Snapshot()
	if v.Step != StepWaiting || v.Ticket != "" || v.RequestStatus != "" {
		t.Errorf("pending changed the view: %+v", v)
	}
	if !f.wiz.Polling() {
		t.Error("pending must not stop the poll")
	}
	if paths := f.fake.Paths(testutil.RouteCheckStatus); paths[0] != "/api/check-status/REQ00001" {
		t.Errorf("polled %q", paths[0])
	}
}

func TestStatusPoll_FailureKeepsPolling(t *testing.T) {
	f := newFixture(t, poll.Every(5*time.Second), nil)
	f.submitted(t)
	f.fake.Override(testutil.RouteCheckStatus, http.StatusBadGateway, `{}`)

	testutil.AdvanceArmed(t, f.clock, 1, 5*time.Second)
	testutil.Eventually(t, func() bool { return f.fake.Calls(testutil.RouteCheckStatus) == 1 }, "status polled")

	f.fake.ClearOverride(testutil.RouteCheckStatus)
	f.fake.SetStatus(backend.StatusResponse{Status: backend.StatusApproved, Ticket: "TCK-9"})
	testutil.AdvanceArmed(t, f.clock, 1, 5*time.Second)
	testutil.Eventually(t, func() bool { return f.wiz.Snapshot().Ticket == "TCK-9" }, "recovered after failure")
}

func TestStatusPoll_GivesUp(t *testing.T) {
	f := newFixture(t, poll.Policy{Interval: time.Second, MaxAttempts: 2}, nil)
	f.submitted(t)

	testutil.AdvanceArmed(t, f.clock, 1, time.Second)
	testutil.AdvanceArmed(t, f.clock, 1, time.Second)
	testutil.Eventually(t, func() bool { return f.wiz.Snapshot().Error == MsgStatusTimeout }, "timeout reported")

	if f.wiz.Polling() {
		t.Error("poll should have stopped")
	}
	if got := f.wiz.Snapshot().Step; got != StepWaiting {
		t.Errorf("Step = %d, want %d", got, StepWaiting)
	}
}

func TestUnmount_StopsStatusPoll(t *testing.T) {
	f := newFixture(t, poll.Every(5*time.Second), nil)
	f.submitted(t)

	f.wiz.Unmount()
	if f.wiz.Polling() {
		t.Error("poll should be stopped after unmount")
	}

	f.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got := f.fake.Calls(testutil.RouteCheckStatus); got != 0 {
		t.Errorf("check-status called %d times after unmount", got)
	}
	f.wiz.Unmount()
}

func TestResubmit_ReplacesPoll(t *testing.T) {
	f := newFixture(t, poll.Every(5*time.Second), nil)
	f.submitted(t)

	f.fake.SetNextRequestID("REQ00002")
	if err := f.wiz.Submit(context.Background()); err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	testutil.AdvanceArmed(t, f.clock, 1, 5*time.Second)
	testutil.Eventually(t, func() bool { return f.fake.Calls(testutil.RouteCheckStatus) == 1 }, "status polled")

	time.Sleep(20 * time.Millisecond)
	paths := f.fake.Paths(testutil.RouteCheckStatus)
	if len(paths) != 1 || paths[0] != "/api/check-status/REQ00002" {
		t.Errorf("polled %v, want only REQ00002", paths)
	}
}

func TestAttachProof_LatestWins(t *testing.T) {
	proof := newGatedProof("first.png", "second.png")
	f := newFixture(t, poll.Policy{}, proof)
	ctx := context.Background()

	first := f.wiz.AttachProof(ctx, []string{"first.png"})
	second := f.wiz.AttachProof(ctx, []string{"second.png", "ignored.png"})

	proof.release("second.png", "data:image/png;base64,SECOND")
	if err := <-second; err != nil {
		t.Fatalf("second read: %v", err)
	}
	proof.release("first.png", "data:image/png;base64,FIRST")
	if err := <-first; !errors.Is(err, ErrProofSuperseded) {
		t.Fatalf("first read err = %v, want ErrProofSuperseded", err)
	}

	if got := f.wiz.Snapshot().PaymentProof; got != "data:image/png;base64,SECOND" {
		t.Errorf("PaymentProof = %q", got)
	}
}

func TestAttachProof_NoFilesAndErrors(t *testing.T) {
	f := newFixture(t, poll.Policy{}, newGatedProof())

	if err, ok := <-f.wiz.AttachProof(context.Background(), nil); ok || err != nil {
		t.Errorf("empty selection should close without a value, got %v", err)
	}
	if err := <-f.wiz.AttachProof(context.Background(), []string{"missing.png"}); err == nil {
		t.Error("expected read error")
	}
	if got := f.wiz.Snapshot().PaymentProof; got != "" {
		t.Errorf("PaymentProof = %q, want empty", got)
	}
}

func TestSubmitRefund(t *testing.T) {
	f := newFixture(t, poll.Every(5*time.Second), nil)
	f.submitted(t)
	f.fake.SetStatus(backend.StatusResponse{Status: backend.StatusRejected})
	testutil.AdvanceArmed(t, f.clock, 1, 5*time.Second)
	testutil.Eventually(t, func() bool { return f.wiz.Snapshot().Step == StepResolved }, "rejected")

	f.wiz.SetRefundComments("Pago móvil 0414-1234567")
	if err := f.wiz.SubmitRefund(context.Background()); err != nil {
		t.Fatalf("SubmitRefund: %v", err)
	}

	refunds := f.fake.Refunds()
	if len(refunds) != 1 {
		t.Fatalf("got %d refunds", len(refunds))
	}
	want := backend.RefundRequest{
		RequestID: "REQ00001",
		Reason:    RefundReason,
		Amount:    10,
		Comments:  "Pago móvil 0414-1234567",
	}
	if refunds[0] != want {
		t.Errorf("refund = %+v, want %+v", refunds[0], want)
	}
	if msgs := f.dialog.messages(); len(msgs) != 1 || msgs[0] != MsgRefundSent {
		t.Errorf("dialog messages = %v", msgs)
	}
}

func TestSubmitRefund_Failures(t *testing.T) {
	t.Run("no plan", func(t *testing.T) {
		f := newFixture(t, poll.Policy{}, nil)
		err := f.wiz.SubmitRefund(context.Background())
		if !errors.Is(err, apperrors.ErrNoPlanSelected) {
			t.Errorf("err = %v", err)
		}
		if f.fake.Calls(testutil.RouteRefund) != 0 {
			t.Error("refund should not be sent without a plan")
		}
		if got := f.wiz.Snapshot().Error; got != MsgRefundFailed {
			t.Errorf("Error = %q", got)
		}
	})

	t.Run("server error", func(t *testing.T) {
		f := newFixture(t, poll.Every(5*time.Second), nil)
		f.submitted(t)
		f.fake.Override(testutil.RouteRefund, http.StatusBadRequest, `{"error":"Falta el campo requerido: username"}`)

		if err := f.wiz.SubmitRefund(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if got := f.wiz.Snapshot().Error; got != "Falta el campo requerido: username" {
			t.Errorf("Error = %q", got)
		}
		if len(f.dialog.messages()) != 0 {
			t.Error("no dialog on failure")
		}
	})
}

func TestPublishesSnapshots(t *testing.T) {
	f := newFixture(t, poll.Policy{}, nil)
	f.wiz.Mount(context.Background())
	f.wiz.SetPaymentRef("ABC")

	topic, v := f.rec.Last()
	if topic != Topic {
		t.Errorf("topic = %q", topic)
	}
	view, ok := v.(View)
	if !ok || view.PaymentRef != "ABC" {
		t.Errorf("last snapshot = %#v", v)
	}
}

// gatedSubmitAPI holds SubmitRequest until released
type gatedSubmitAPI struct {
	*backend.Client
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSubmitAPI) SubmitRequest(ctx context.Context, sub backend.PaymentSubmission) (string, error) {
	close(g.entered)
	<-g.release
	return g.Client.SubmitRequest(ctx, sub)
}

func TestUnmount_DuringSubmitStartsNoPoll(t *testing.T) {
	fake := testutil.NewFakeBackend(t)
	fake.SetPlans(planBasic)
	client := backend.NewClient(config.BackendConfig{BaseURL: fake.URL(), Timeout: 5 * time.Second}, testutil.DiscardLogger())
	api := &gatedSubmitAPI{Client: client, entered: make(chan struct{}), release: make(chan struct{})}
	clock := clockwork.NewFakeClock()
	wiz := New(api, Options{Clock: clock, StatusPolicy: poll.Every(5 * time.Second), Logger: testutil.DiscardLogger()})

	wiz.Mount(context.Background())
	wiz.SelectPlan(planBasic)
	wiz.NextStep()

	errCh := make(chan error, 1)
	go func() { errCh <- wiz.Submit(context.Background()) }()
	<-api.entered

	wiz.Unmount()
	close(api.release)

	if err := <-errCh; err != nil {
		t.Fatalf("Submit: %v", err)
	}
	v := wiz.Snapshot()
	if v.RequestID == "" || v.Step != StepWaiting {
		t.Errorf("submission not recorded: %+v", v)
	}
	if wiz.Polling() {
		t.Error("status poll started after unmount")
	}

	for i := 0; i < 3; i++ {
		clock.Advance(5 * time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	if got := fake.Calls(testutil.RouteCheckStatus); got != 0 {
		t.Errorf("check-status called %d times after unmount", got)
	}
}
