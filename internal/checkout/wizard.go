// Package checkout implements the customer checkout wizard: choose a plan,
// submit a payment proof, wait for an administrator's decision and, if
// rejected, file a refund.
package checkout

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"ticket-portal/internal/backend"
	"ticket-portal/internal/config"
	apperrors "ticket-portal/internal/errors"
	"ticket-portal/internal/poll"
	"ticket-portal/internal/proof"
)

// Topic is the publish topic for wizard snapshots
const Topic = "checkout"

// Wizard steps
const (
	StepPlan     = 1
	StepPayment  = 2
	StepWaiting  = 3
	StepResolved = 4
)

// RefundReason is sent with every refund request
const RefundReason = "Solicitud rechazada"

// User-facing messages
const (
	MsgPlansFailed   = "Error cargando los planes"
	MsgSubmitFailed  = "Error al enviar la solicitud"
	MsgRefundFailed  = "Error al enviar los datos de devolución"
	MsgRefundSent    = "Datos de devolución enviados correctamente"
	MsgStatusTimeout = "La solicitud no fue resuelta a tiempo, intenta más tarde"
)

// ErrProofSuperseded is reported by an AttachProof read that finished
// after a newer one was started; its result is discarded.
var ErrProofSuperseded = errors.New("proof read superseded by a newer selection")

// DefaultStatusPolicy polls every 5 seconds for at most 30 minutes
var DefaultStatusPolicy = poll.Policy{Interval: 5 * time.Second, MaxWait: 30 * time.Minute}

// API is the part of the backend client the wizard uses
type API interface {
	Plans(ctx context.Context) ([]backend.Plan, error)
	SubmitRequest(ctx context.Context, sub backend.PaymentSubmission) (string, error)
	CheckStatus(ctx context.Context, requestID string) (backend.StatusResponse, error)
	SubmitRefund(ctx context.Context, refund backend.RefundRequest) error
}

// ProofEncoder turns a selected file into a data URL
type ProofEncoder interface {
	EncodeFile(ctx context.Context, path string) (string, error)
}

// Dialog shows a blocking message to the customer
type Dialog interface {
	Alert(ctx context.Context, msg string)
}

// Publisher receives a snapshot after every view-state change
type Publisher interface {
	Publish(topic string, v any)
}

// View is a snapshot of the wizard view-state
type View struct {
	Step           int                   `json:"currentStep"`
	RequestID      string                `json:"requestId,omitempty"`
	RefundComments string                `json:"refundInfo"`
	Plans          []backend.Plan        `json:"plans"`
	PlansLoaded    bool                  `json:"plansLoaded"`
	SelectedPlan   *backend.Plan         `json:"selectedPlan,omitempty"`
	PaymentRef     string                `json:"paymentRef"`
	PaymentProof   string                `json:"paymentProof,omitempty"`
	RequestStatus  backend.RequestStatus `json:"requestStatus,omitempty"`
	Ticket         string                `json:"ticket,omitempty"`
	Error          string                `json:"error,omitempty"`
	Polling        bool                  `json:"polling"`
}

// Options configures a Wizard. Zero values get defaults.
type Options struct {
	Clock        clockwork.Clock
	StatusPolicy poll.Policy
	Proof        ProofEncoder
	Dialog       Dialog
	Publisher    Publisher
	Logger       *slog.Logger
}

// Wizard is the checkout controller
type Wizard struct {
	api    API
	clock  clockwork.Clock
	policy poll.Policy
	proof  ProofEncoder
	dialog Dialog
	pub    Publisher
	logger *slog.Logger

	// background work started by the wizard: status watchers and proof reads
	wg sync.WaitGroup

	mu           sync.Mutex
	view         View
	task         *poll.Task
	baseCtx      context.Context
	cancel       context.CancelFunc
	unmounted    bool
	plansFetched bool
	proofSeq     uint64
}

// New creates a wizard on the plan selection step
func New(api API, opts Options) *Wizard {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.StatusPolicy.Interval <= 0 {
		opts.StatusPolicy = DefaultStatusPolicy
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Proof == nil {
		opts.Proof = proof.NewEncoder(config.ProofConfig{MaxBytes: 10 << 20, JPEGQuality: 80}, opts.Logger)
	}

	return &Wizard{
		api:     api,
		clock:   opts.Clock,
		policy:  opts.StatusPolicy,
		proof:   opts.Proof,
		dialog:  opts.Dialog,
		pub:     opts.Publisher,
		logger:  opts.Logger.With("component", "checkout"),
		baseCtx: context.Background(),
		view: View{
			Step:  StepPlan,
			Plans: []backend.Plan{},
		},
	}
}

// Mount fetches the plan list. Plans are fetched once per wizard; later
// calls only rebind the lifecycle context. The status poll started by
// Submit runs under ctx until Unmount.
func (w *Wizard) Mount(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.baseCtx = ctx
	w.cancel = cancel
	w.unmounted = false
	fetch := !w.plansFetched
	w.plansFetched = true
	w.mu.Unlock()

	if fetch {
		w.fetchPlans(ctx)
	}
}

func (w *Wizard) fetchPlans(ctx context.Context) {
	plans, err := w.api.Plans(ctx)
	if err != nil {
		w.logger.Error("fetch plans failed", "error", err)
		w.update(func(v *View) { v.Error = MsgPlansFailed })
		return
	}

	w.logger.Debug("plans loaded", "count", len(plans))
	w.update(func(v *View) {
		v.Plans = plans
		v.PlansLoaded = true
	})
}

// Unmount stops the status poll, whatever its state, and waits for
// background work to finish. A Submit still in flight will record its
// result but not start polling.
func (w *Wizard) Unmount() {
	w.mu.Lock()
	w.unmounted = true
	cancel := w.cancel
	w.cancel = nil
	task := w.task
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if task != nil {
		task.Stop()
	}
	w.wg.Wait()
}

// SelectPlan stores the customer's plan choice
func (w *Wizard) SelectPlan(plan backend.Plan) {
	w.update(func(v *View) { v.SelectedPlan = &plan })
}

// SelectPlanByID selects one of the loaded plans
func (w *Wizard) SelectPlanByID(id string) error {
	w.mu.Lock()
	idx := slices.IndexFunc(w.view.Plans, func(p backend.Plan) bool { return p.ID == id })
	var plan backend.Plan
	if idx >= 0 {
		plan = w.view.Plans[idx]
	}
	w.mu.Unlock()

	if idx < 0 {
		return apperrors.ErrNoPlanSelected
	}
	w.SelectPlan(plan)
	return nil
}

// NextStep advances one step, stopping at the last
func (w *Wizard) NextStep() {
	w.update(func(v *View) { v.Step = clampStep(v.Step + 1) })
}

// PrevStep goes back one step, stopping at the first
func (w *Wizard) PrevStep() {
	w.update(func(v *View) { v.Step = clampStep(v.Step - 1) })
}

func clampStep(step int) int {
	return min(max(step, StepPlan), StepResolved)
}

// SetPaymentRef stores the customer's payment reference
func (w *Wizard) SetPaymentRef(ref string) {
	w.update(func(v *View) { v.PaymentRef = ref })
}

// SetRefundComments stores the free-text refund comments
func (w *Wizard) SetRefundComments(text string) {
	w.update(func(v *View) { v.RefundComments = text })
}

// AttachProof reads the first of paths asynchronously and stores it as a
// data URL. The returned channel yields the read's error, if any, and is
// then closed. When reads overlap, the most recently started one wins.
func (w *Wizard) AttachProof(ctx context.Context, paths []string) <-chan error {
	result := make(chan error, 1)
	if len(paths) == 0 {
		close(result)
		return result
	}

	w.mu.Lock()
	w.proofSeq++
	seq := w.proofSeq
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer close(result)

		dataURL, err := w.proof.EncodeFile(ctx, paths[0])
		if err != nil {
			w.logger.Warn("read proof failed", "path", paths[0], "error", err)
			result <- err
			return
		}

		w.mu.Lock()
		if seq != w.proofSeq {
			w.mu.Unlock()
			result <- ErrProofSuperseded
			return
		}
		w.view.PaymentProof = dataURL
		w.mu.Unlock()

		w.publish()
	}()

	return result
}

// Submit sends the payment submission. On success the wizard moves to the
// waiting step and starts polling the request status; on failure Error is
// set and the step is unchanged.
func (w *Wizard) Submit(ctx context.Context) error {
	w.mu.Lock()
	plan := w.view.SelectedPlan
	sub := backend.PaymentSubmission{
		PaymentRef:   w.view.PaymentRef,
		PaymentProof: w.view.PaymentProof,
	}
	w.mu.Unlock()

	if plan == nil {
		w.update(func(v *View) { v.Error = apperrors.ErrNoPlanSelected.UserMsg })
		return apperrors.ErrNoPlanSelected
	}
	sub.Plan = *plan

	requestID, err := w.api.SubmitRequest(ctx, sub)
	if err != nil {
		w.logger.Error("submit request failed", "error", err)
		w.update(func(v *View) { v.Error = apperrors.GetUserMessage(err, MsgSubmitFailed) })
		return err
	}

	w.logger.Info("request submitted", "request_id", requestID, "plan", sub.Plan.ID)

	w.mu.Lock()
	prev := w.task
	w.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	w.mu.Lock()
	w.view.RequestID = requestID
	w.view.Step = StepWaiting
	w.view.Error = ""
	if w.unmounted {
		w.mu.Unlock()
		w.logger.Info("wizard unmounted, status poll not started", "request_id", requestID)
		w.publish()
		return nil
	}
	task := poll.Start(w.baseCtx, w.clock, w.policy, w.logger, w.checkStatus)
	w.task = task
	w.wg.Add(1)
	w.mu.Unlock()

	w.logger.Debug("status poll started", "request_id", requestID, "task_id", task.ID())
	go w.watch(task)

	w.publish()
	return nil
}

// watch clears the task handle once its loop exits and reports a timeout
// if the policy ran out
func (w *Wizard) watch(task *poll.Task) {
	defer w.wg.Done()
	<-task.Done()

	w.mu.Lock()
	if w.task == task {
		w.task = nil
	}
	if task.Err() != nil {
		w.view.Error = MsgStatusTimeout
	}
	w.mu.Unlock()

	w.publish()
}

// CheckStatus polls the request status once. It returns the status seen,
// or an error if the poll failed or nothing has been submitted.
func (w *Wizard) CheckStatus(ctx context.Context) (backend.RequestStatus, error) {
	w.mu.Lock()
	requestID := w.view.RequestID
	w.mu.Unlock()

	if requestID == "" {
		return "", apperrors.ErrNoRequest
	}

	st, err := w.api.CheckStatus(ctx, requestID)
	if err != nil {
		kind, _ := apperrors.KindOf(err)
		w.logger.Warn("check status failed", "request_id", requestID, "kind", kind.String(), "retryable", apperrors.IsRetryable(err), "error", err)
		return "", err
	}

	switch st.Status {
	case backend.StatusApproved:
		w.logger.Info("request approved", "request_id", requestID)
		w.update(func(v *View) {
			v.RequestStatus = backend.StatusApproved
			v.Ticket = st.Ticket
			v.Step = StepResolved
		})
	case backend.StatusRejected:
		w.logger.Info("request rejected", "request_id", requestID)
		w.update(func(v *View) {
			v.RequestStatus = backend.StatusRejected
			v.Step = StepResolved
		})
	}
	return st.Status, nil
}

func (w *Wizard) checkStatus(ctx context.Context) bool {
	status, err := w.CheckStatus(ctx)
	return err == nil && status.Terminal()
}

// SubmitRefund files a refund for the submitted request. Success shows the
// confirmation dialog; failure sets Error.
func (w *Wizard) SubmitRefund(ctx context.Context) error {
	w.mu.Lock()
	plan := w.view.SelectedPlan
	refund := backend.RefundRequest{
		RequestID: w.view.RequestID,
		Username:  w.view.Ticket,
		Reason:    RefundReason,
		Comments:  w.view.RefundComments,
	}
	w.mu.Unlock()

	var localErr *apperrors.ActionError
	switch {
	case plan == nil:
		localErr = apperrors.ErrNoPlanSelected
	case refund.RequestID == "":
		localErr = apperrors.ErrNoRequest
	}
	if localErr != nil {
		w.update(func(v *View) { v.Error = MsgRefundFailed })
		return localErr
	}
	refund.Amount = plan.PriceUSD

	if err := w.api.SubmitRefund(ctx, refund); err != nil {
		w.logger.Error("submit refund failed", "request_id", refund.RequestID, "error", err)
		w.update(func(v *View) { v.Error = apperrors.GetUserMessage(err, MsgRefundFailed) })
		return err
	}

	w.logger.Info("refund submitted", "request_id", refund.RequestID, "amount", refund.Amount)
	if w.dialog != nil {
		w.dialog.Alert(ctx, MsgRefundSent)
	}
	return nil
}

// Polling reports whether the status poll is running
func (w *Wizard) Polling() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.polling()
}

func (w *Wizard) polling() bool {
	return w.task != nil && w.task.Active()
}

// Snapshot returns a copy of the current view-state
func (w *Wizard) Snapshot() View {
	w.mu.Lock()
	defer w.mu.Unlock()

	v := w.view
	v.Plans = slices.Clone(w.view.Plans)
	if w.view.SelectedPlan != nil {
		plan := *w.view.SelectedPlan
		v.SelectedPlan = &plan
	}
	v.Polling = w.polling()
	return v
}

func (w *Wizard) update(fn func(v *View)) {
	w.mu.Lock()
	fn(&w.view)
	w.mu.Unlock()

	w.publish()
}

func (w *Wizard) publish() {
	if w.pub == nil {
		return
	}
	w.pub.Publish(Topic, w.Snapshot())
}
