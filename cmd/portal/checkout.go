package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"ticket-portal/internal/backend"
	"ticket-portal/internal/checkout"
	"ticket-portal/internal/config"
	"ticket-portal/internal/live"
	"ticket-portal/internal/poll"
	"ticket-portal/internal/proof"
)

// statusPolicy turns the checkout config into the status poll's policy
func statusPolicy(cfg config.CheckoutConfig) poll.Policy {
	return poll.Policy{
		Interval:    cfg.StatusInterval,
		MaxInterval: cfg.StatusMaxInterval,
		Backoff:     cfg.StatusBackoff,
		MaxWait:     cfg.StatusMaxWait,
		MaxAttempts: cfg.StatusMaxAttempts,
	}
}

// viewWatch forwards checkout snapshots to a channel, keeping only the
// newest unread one
type viewWatch chan checkout.View

func (w viewWatch) Publish(topic string, v any) {
	view, ok := v.(checkout.View)
	if topic != checkout.Topic || !ok {
		return
	}
	for {
		select {
		case w <- view:
			return
		default:
		}
		select {
		case <-w:
		default:
		}
	}
}

func runCheckout(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("checkout", flag.ContinueOnError)
	list := fs.Bool("list", false, "list available plans and exit")
	planID := fs.String("plan", "", "ID of the plan to buy")
	ref := fs.String("ref", "", "payment reference")
	proofPath := fs.String("proof", "", "path to the payment proof image")
	refundComments := fs.String("refund-comments", "", "refund details to send if the request is rejected")
	if err := fs.Parse(args); err != nil {
		return err
	}

	con := newConsole(os.Stdin, os.Stdout)
	watch := make(viewWatch, 1)

	var publishers []live.Publisher
	publishers = append(publishers, watch)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		waitTimeout(&wg, shutdownWait, logger)
	}()

	if cfg.Live.Enabled {
		hub := live.NewHub(logger)
		publishers = append(publishers, hub)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hub.ListenAndServe(ctx, cfg.Live.ListenAddr); err != nil {
				logger.Error("live view error", "error", err)
			}
		}()
	}

	wiz := checkout.New(backend.NewClient(cfg.Backend, logger), checkout.Options{
		StatusPolicy: statusPolicy(cfg.Checkout),
		Proof:        proof.NewEncoder(cfg.Proof, logger),
		Dialog:       con,
		Publisher:    live.Fanout(publishers...),
		Logger:       logger,
	})
	wiz.Mount(ctx)
	defer wiz.Unmount()

	v := wiz.Snapshot()
	if v.Error != "" {
		return errors.New(v.Error)
	}

	if *list || *planID == "" {
		for _, p := range v.Plans {
			con.printf("%-8s %s\n", p.ID, p)
		}
		if !*list {
			return errors.New("choose a plan with -plan")
		}
		return nil
	}

	if err := wiz.SelectPlanByID(*planID); err != nil {
		return fmt.Errorf("plan %q: %w", *planID, err)
	}
	wiz.NextStep()
	wiz.SetPaymentRef(*ref)

	if *proofPath != "" {
		if err := <-wiz.AttachProof(ctx, []string{*proofPath}); err != nil {
			return fmt.Errorf("attach proof: %w", err)
		}
		con.printf("Comprobante adjunto (%s codificado)\n", humanize.Bytes(uint64(len(wiz.Snapshot().PaymentProof))))
	}

	start := time.Now()
	if err := wiz.Submit(ctx); err != nil {
		return fmt.Errorf("submit: %s", wiz.Snapshot().Error)
	}
	con.printf("Solicitud enviada: %s. Esperando aprobación...\n", wiz.Snapshot().RequestID)

	final, err := waitResolved(ctx, watch, wiz)
	if err != nil {
		return err
	}

	switch final.RequestStatus {
	case backend.StatusApproved:
		con.printf("Solicitud aprobada tras %s. Ticket: %s\n", time.Since(start).Round(time.Second), final.Ticket)
		return nil

	case backend.StatusRejected:
		con.printf("Solicitud rechazada.\n")
		if *refundComments == "" {
			con.printf("Usa -refund-comments para solicitar la devolución.\n")
			return nil
		}
		wiz.SetRefundComments(*refundComments)
		if err := wiz.SubmitRefund(ctx); err != nil {
			return fmt.Errorf("refund: %s", wiz.Snapshot().Error)
		}
		return nil
	}

	return fmt.Errorf("unexpected status %q", final.RequestStatus)
}

// waitResolved blocks until the wizard reaches the final step or its status
// poll gives up
func waitResolved(ctx context.Context, watch viewWatch, wiz *checkout.Wizard) (checkout.View, error) {
	v := wiz.Snapshot()
	for {
		if v.Step == checkout.StepResolved {
			return v, nil
		}
		if !wiz.Polling() {
			v = wiz.Snapshot()
			if v.Step == checkout.StepResolved {
				return v, nil
			}
			if v.Error != "" {
				return v, errors.New(v.Error)
			}
		}

		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case v = <-watch:
		}
	}
}
