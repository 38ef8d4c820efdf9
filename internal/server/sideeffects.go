package server

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jhj0517/ComfyUI-backend/internal/core/delivery"
	"github.com/jhj0517/ComfyUI-backend/internal/core/event"
	"github.com/jhj0517/ComfyUI-backend/internal/core/job"
	"github.com/jhj0517/ComfyUI-backend/internal/core/notify"
	"github.com/jhj0517/ComfyUI-backend/internal/observability"
)

const sideEffectTimeout = 5 * time.Minute

// wireSideEffects subscribes delivery, webhook notification, and metrics to
// terminal job events. Side effects run detached from the publishing
// transition: their failures log and degrade, never reopening the job.
func wireSideEffects(
	bus event.Bus,
	machine *job.Machine,
	deliverer *delivery.Deliverer,
	notifier *notify.Notifier,
	metrics *observability.Metrics,
) {
	bus.Subscribe(event.EventJobQueued, func(_ context.Context, _ event.Event) error {
		metrics.JobsSubmitted.Inc()
		return nil
	})

	bus.Subscribe(event.EventJobCompleted, func(_ context.Context, e event.Event) error {
		metrics.JobsCompleted.Inc()
		payload, ok := e.Payload.(event.JobEvent)
		if !ok {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()

		j, err := machine.Store().Get(ctx, payload.JobID)
		if err != nil {
			return err
		}

		if deliverer != nil && len(j.ResultRefs) > 0 {
			status := deliverer.Deliver(ctx, j)
			updated, err := machine.AppendDelivery(ctx, j.ID, status)
			if err != nil {
				log.Warn().Err(err).Str("job_id", j.ID).Msg("failed to record delivery outcome")
			} else {
				j = updated
			}
		}

		if notifier != nil {
			if err := notifier.Notify(ctx, j); err != nil {
				log.Warn().Err(err).Str("job_id", j.ID).Msg("terminal webhook not delivered")
			}
		}
		return nil
	})

	notifyTerminal := func(counter interface{ Inc() }) event.Handler {
		return func(_ context.Context, e event.Event) error {
			counter.Inc()
			payload, ok := e.Payload.(event.JobEvent)
			if !ok || notifier == nil {
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
			defer cancel()

			j, err := machine.Store().Get(ctx, payload.JobID)
			if err != nil {
				return err
			}
			if err := notifier.Notify(ctx, j); err != nil {
				log.Warn().Err(err).Str("job_id", j.ID).Msg("terminal webhook not delivered")
			}
			return nil
		}
	}

	bus.Subscribe(event.EventJobFailed, notifyTerminal(metrics.JobsFailed))
	bus.Subscribe(event.EventJobCancelled, notifyTerminal(metrics.JobsCancelled))
}
