// Package orchestrator converts a generation request into a tracked
// asynchronous job: it resolves the workflow, creates the record, submits to
// the engine, and runs one listener task per job that drives the state
// machine from the engine's event stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jhj0517/ComfyUI-backend/internal/core/engine"
	"github.com/jhj0517/ComfyUI-backend/internal/core/engine/comfy"
	"github.com/jhj0517/ComfyUI-backend/internal/core/job"
	"github.com/jhj0517/ComfyUI-backend/internal/core/workflow"
	"github.com/jhj0517/ComfyUI-backend/internal/errdefs"
)

var (
	errCancelled = errors.New("job cancelled")
	errShutdown  = errors.New("orchestrator shutting down")
)

type Config struct {
	MaxJobDuration    time.Duration
	StreamMaxRetries  int
	StreamBaseBackoff time.Duration
	StreamMaxBackoff  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxJobDuration <= 0 {
		c.MaxJobDuration = 30 * time.Minute
	}
	if c.StreamMaxRetries <= 0 {
		c.StreamMaxRetries = 5
	}
	if c.StreamBaseBackoff <= 0 {
		c.StreamBaseBackoff = 2 * time.Second
	}
	if c.StreamMaxBackoff <= 0 {
		c.StreamMaxBackoff = 60 * time.Second
	}
}

type Orchestrator struct {
	templates *workflow.Store
	machine   *job.Machine
	client    *comfy.Client
	cfg       Config

	listeners *listenerRegistry
	root      context.Context
	stop      context.CancelCauseFunc
}

func New(templates *workflow.Store, machine *job.Machine, client *comfy.Client, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	root, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		templates: templates,
		machine:   machine,
		client:    client,
		cfg:       cfg,
		listeners: newListenerRegistry(),
		root:      root,
		stop:      stop,
	}
}

// Submit admits one generation request. Template resolution and engine
// submission errors surface synchronously; everything after QUEUED is
// discovered by polling the record.
func (o *Orchestrator) Submit(ctx context.Context, workflowName string, mods workflow.Modifications) (*job.Job, error) {
	graph, err := o.templates.Resolve(workflowName, mods)
	if err != nil {
		return nil, err
	}

	j, err := o.machine.Create(ctx, workflowName, mods)
	if err != nil {
		return nil, err
	}

	// The listener's stream must exist before submission so events fired
	// right after the engine accepts the graph are not missed.
	lctx, lcancel := context.WithCancelCause(o.root)
	tctx, tcancel := context.WithTimeout(lctx, o.cfg.MaxJobDuration)

	stream, err := o.client.Dial(tctx)
	if err != nil {
		tcancel()
		lcancel(nil)
		if _, ferr := o.machine.FailSubmission(ctx, j.ID, "engine stream unavailable: "+err.Error()); ferr != nil && !errors.Is(ferr, job.ErrSkip) {
			log.Error().Err(ferr).Str("job_id", j.ID).Msg("failed to record submission failure")
		}
		return nil, errdefs.EngineSubmission(err, "engine stream unavailable")
	}

	promptID, err := o.client.SubmitPrompt(ctx, graph)
	if err != nil {
		stream.Close()
		tcancel()
		lcancel(nil)
		if _, ferr := o.machine.FailSubmission(ctx, j.ID, err.Error()); ferr != nil && !errors.Is(ferr, job.ErrSkip) {
			log.Error().Err(ferr).Str("job_id", j.ID).Msg("failed to record submission failure")
		}
		return nil, err
	}

	queued, err := o.machine.MarkQueued(ctx, j.ID, promptID)
	if errors.Is(err, job.ErrSkip) {
		// Cancelled between admission and submission; nothing to listen for.
		stream.Close()
		tcancel()
		lcancel(nil)
		return queued, nil
	}
	if err != nil {
		stream.Close()
		tcancel()
		lcancel(nil)
		return nil, err
	}

	if !o.listeners.Add(promptID, lcancel) {
		stream.Close()
		tcancel()
		lcancel(nil)
		// Already QUEUED with no listener to watch it; fail the record so it
		// cannot sit non-terminal until the TTL reaps it.
		if _, ferr := o.machine.Apply(ctx, queued.ID, engine.Event{
			Type:   engine.EventError,
			Detail: fmt.Sprintf("duplicate correlation id %q", promptID),
		}); ferr != nil {
			log.Error().Err(ferr).Str("job_id", queued.ID).Msg("failed to record duplicate correlation id")
		}
		return nil, errdefs.EngineSubmission(nil, "duplicate correlation id %q", promptID)
	}

	go func() {
		defer tcancel()
		o.runListener(tctx, queued.ID, promptID, stream)
	}()

	log.Info().Str("job_id", queued.ID).Str("prompt_id", promptID).
		Str("workflow", workflowName).Msg("job queued")
	return queued, nil
}

// Get returns the current record for a job.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*job.Job, error) {
	return o.machine.Store().Get(ctx, jobID)
}

// Workflows lists the available template names.
func (o *Orchestrator) Workflows() []string {
	return o.templates.Names()
}

// Cancel transitions a non-terminal job to CANCELLED, stops its listener,
// and asks the engine to interrupt. Returns false when the job was already
// terminal.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*job.Job, bool, error) {
	j, cancelled, err := o.machine.Cancel(ctx, jobID)
	if err != nil || !cancelled {
		return j, cancelled, err
	}

	if j.PromptID != "" {
		o.listeners.Cancel(j.PromptID, errCancelled)
	}

	go func() {
		ictx, icancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer icancel()
		if err := o.client.Interrupt(ictx); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("engine interrupt failed")
		}
	}()

	log.Info().Str("job_id", jobID).Msg("job cancelled")
	return j, true, nil
}

// Shutdown stops every listener. In-flight terminal writes still run on
// their own short contexts.
func (o *Orchestrator) Shutdown() {
	o.stop(errShutdown)
}

// runListener is the sole consumer of one job's event stream and the sole
// writer of that job's record for the job's lifetime.
func (o *Orchestrator) runListener(ctx context.Context, jobID, promptID string, stream *comfy.Stream) {
	defer o.listeners.Remove(promptID)
	defer func() { stream.Close() }()

	attempts := 0
	backoff := o.cfg.StreamBaseBackoff

	for {
		ev, readErr := stream.Next(promptID)

		if ev.Type != engine.EventDisconnected {
			attempts = 0
			backoff = o.cfg.StreamBaseBackoff
			if o.handleEvent(ctx, jobID, promptID, ev) {
				return
			}
			continue
		}

		stream.Close()

		// Closed on purpose, or dead connection?
		if cause := context.Cause(ctx); cause != nil {
			switch {
			case errors.Is(cause, errCancelled):
				// Events after cancellation are dropped by design of the
				// transition table; stop consuming entirely.
				return
			case errors.Is(cause, context.DeadlineExceeded):
				o.failDetached(jobID, "no terminal engine event within maximum job duration")
				return
			default: // shutdown
				log.Warn().Str("job_id", jobID).Msg("listener stopped by shutdown before terminal state")
				return
			}
		}

		log.Warn().Err(readErr).Str("job_id", jobID).Str("prompt_id", promptID).
			Int("attempt", attempts).Msg("engine stream disconnected")

		redialed := false
		for attempts < o.cfg.StreamMaxRetries {
			attempts++
			select {
			case <-ctx.Done():
			case <-time.After(jitter(backoff)):
			}
			if ctx.Err() != nil {
				break
			}
			backoff = minDuration(backoff*2, o.cfg.StreamMaxBackoff)

			next, err := o.client.Dial(ctx)
			if err != nil {
				log.Warn().Err(err).Str("job_id", jobID).
					Int("attempt", attempts).Msg("engine stream redial failed")
				continue
			}
			stream = next
			redialed = true
			break
		}

		if ctx.Err() != nil {
			continue // handled by the cause switch on the next iteration
		}
		if !redialed {
			o.failDetached(jobID, fmt.Sprintf("engine stream lost after %d reconnect attempts", attempts))
			return
		}
	}
}

// handleEvent applies one engine event. Returns true when the stored record
// is terminal and the stream is done; an unapplied terminal event keeps the
// listener alive so the max-duration deadline still guards the job.
func (o *Orchestrator) handleEvent(ctx context.Context, jobID, promptID string, ev engine.Event) bool {
	if ev.Type == engine.EventCompleted {
		// A fully cached prompt completes without any per-node executing
		// frame, so the record can still be QUEUED here. Walk it through
		// RUNNING first or the completion would be dropped.
		if cur, err := o.machine.Store().Get(ctx, jobID); err == nil && cur.State == job.StateQueued {
			if _, err := o.machine.Apply(ctx, jobID, engine.Event{Type: engine.EventStarted, PromptID: promptID}); err != nil {
				log.Error().Err(err).Str("job_id", jobID).Msg("failed to start cached prompt")
			}
		}
		// The history endpoint is authoritative for outputs; pick up any
		// artifact the stream did not announce before sealing the record.
		o.collectArtifacts(ctx, jobID, promptID)
	}

	j, err := o.machine.Apply(ctx, jobID, ev)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Str("event", string(ev.Type)).
			Msg("failed to apply engine event")
		return false
	}

	return j != nil && j.State.Terminal()
}

func (o *Orchestrator) collectArtifacts(ctx context.Context, jobID, promptID string) {
	artifacts, err := o.client.Artifacts(ctx, promptID)
	if err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("history fetch failed")
		return
	}
	if len(artifacts) == 0 {
		return
	}

	j, err := o.machine.Store().Get(ctx, jobID)
	if err != nil {
		return
	}
	seen := make(map[string]bool, len(j.ResultRefs))
	for _, ref := range j.ResultRefs {
		seen[ref.Location] = true
	}

	for i := range artifacts {
		art := artifacts[i]
		if seen[art.URL] {
			continue
		}
		if _, err := o.machine.Apply(ctx, jobID, engine.Event{
			Type:     engine.EventArtifact,
			PromptID: promptID,
			Artifact: &art,
		}); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("failed to record artifact")
		}
	}
}

// failDetached forces a terminal FAILED transition on a fresh context, so a
// dead listener context cannot keep the job non-terminal forever.
func (o *Orchestrator) failDetached(jobID, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := o.machine.Apply(ctx, jobID, engine.Event{
		Type:   engine.EventError,
		Detail: detail,
	}); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to record execution error")
	}
}

func jitter(d time.Duration) time.Duration {
	// full jitter over [d/2, d)
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
