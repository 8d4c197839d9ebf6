package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"latepass/internal/latepass"
	"latepass/internal/queue"
	"latepass/internal/render"
)

var (
	renderJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "latepass_render_jobs_total",
		Help: "Render jobs processed, by outcome.",
	}, []string{"outcome"})
	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "latepass_sweep_runs_total",
		Help: "Expiry sweeps run, by outcome.",
	}, []string{"outcome"})
)

// Dispatcher publishes render jobs to a queue.
type Dispatcher struct {
	Queue queue.Queue
}

// DispatchRender enqueues a render job for the ticket.
func (d Dispatcher) DispatchRender(ctx context.Context, orgID, ticketID string) error {
	msg, err := queue.NewRenderMessage(queue.RenderJob{OrgID: orgID, TicketID: ticketID})
	if err != nil {
		return err
	}
	return d.Queue.Publish(ctx, msg)
}

// Renderer produces ticket artifacts.
type Renderer interface {
	Render(ctx context.Context, req render.Request) (*render.Result, error)
}

// Worker consumes render jobs and periodically expires overdue tickets.
type Worker struct {
	Manager       *latepass.Manager
	Queue         queue.Queue
	Renderer      Renderer
	Store         render.ArtifactStore
	SweepInterval time.Duration
	Log           *slog.Logger
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	log := w.logger()
	msgs, err := w.Queue.Consume(ctx)
	if err != nil {
		return errors.Wrap(err, "consume queue")
	}

	var tick <-chan time.Time
	if w.SweepInterval > 0 {
		ticker := time.NewTicker(w.SweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	log.Info("worker started", "sweep_interval", w.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			w.handle(ctx, msg)
		case <-tick:
			w.Sweep(ctx)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	log := w.logger()
	job, err := msg.RenderJob()
	if err != nil {
		renderJobs.WithLabelValues("malformed").Inc()
		log.Warn("dropping malformed job", "type", msg.Type, "err", err)
		return
	}
	if err := w.Render(ctx, job); err != nil {
		renderJobs.WithLabelValues("failed").Inc()
		log.Error("render failed", "org_id", job.OrgID, "ticket_id", job.TicketID, "err", err)
		return
	}
	renderJobs.WithLabelValues("ok").Inc()
}

// Render renders one ticket, stores both artifacts and records their
// locations on the ticket.
func (w *Worker) Render(ctx context.Context, job queue.RenderJob) error {
	in, err := w.Manager.RenderInput(ctx, job.OrgID, job.TicketID)
	if err != nil {
		return errors.Wrap(err, "load render input")
	}
	res, err := w.Renderer.Render(ctx, render.Request{
		TicketNumber:   in.Ticket.TicketNumber,
		Token:          in.Ticket.TokenData,
		StudentID:      in.Ticket.StudentID,
		SessionID:      in.Ticket.SessionID,
		Room:           in.Session.Room,
		Subject:        in.Session.Subject,
		StartsAt:       in.Session.StartsAt,
		ExpiresAt:      in.Ticket.ExpiresAt,
		IncludeLogo:    in.Config.IncludeLogo,
		IncludeBarcode: in.Config.IncludeBarcode,
	})
	if err != nil {
		return errors.Wrap(err, "render")
	}

	base := job.OrgID + "/" + in.Ticket.TicketNumber
	qrPath, err := w.Store.Put(ctx, base+".png", render.ContentTypePNG, res.QRPNG)
	if err != nil {
		return errors.Wrap(err, "store qr image")
	}
	pdfPath, err := w.Store.Put(ctx, base+".pdf", render.ContentTypePDF, res.PDF)
	if err != nil {
		return errors.Wrap(err, "store pdf")
	}
	return w.Manager.SetArtifacts(ctx, job.OrgID, job.TicketID, qrPath, pdfPath)
}

// Sweep expires overdue tickets in every auto-expire organization.
func (w *Worker) Sweep(ctx context.Context) {
	n, err := w.Manager.SweepExpired(ctx)
	if err != nil {
		sweepRuns.WithLabelValues("failed").Inc()
		w.logger().Error("expiry sweep failed", "err", err)
		return
	}
	sweepRuns.WithLabelValues("ok").Inc()
	if n > 0 {
		w.logger().Info("expiry sweep", "expired", n)
	}
}

func (w *Worker) logger() *slog.Logger {
	if w.Log == nil {
		return slog.Default()
	}
	return w.Log
}
