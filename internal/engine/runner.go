package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/miradorstack/mirador-causal/internal/config"
	"github.com/miradorstack/mirador-causal/internal/metrics"
	"github.com/miradorstack/mirador-causal/internal/models"
	"github.com/miradorstack/mirador-causal/internal/store"
	"github.com/miradorstack/mirador-causal/internal/utils"
)

// ActivitySink publishes RCA lifecycle events onto the live activity feed.
type ActivitySink interface {
	Publish(eventType models.ActivityType, service, message string, metadata map[string]string)
}

// Runner executes root-cause runs. At most one run per incident is in flight;
// triggers arriving mid-run coalesce into a single follow-up pass so the
// persisted ranking always reflects the latest trigger.
type Runner struct {
	cfg        config.RankerConfig
	store      store.Store
	candidates *CandidateBuilder
	extractor  *Extractor
	ranker     *Ranker
	activity   ActivitySink
	logger     *slog.Logger
	latency    *utils.LatencyTracker
	baseCtx    context.Context

	mu   sync.Mutex
	runs map[string]*runState
}

type runState struct {
	running  bool
	pending  bool
	failures int
}

// NewRunner constructs an RCA runner. Runs inherit cancellation from ctx.
func NewRunner(ctx context.Context, cfg config.RankerConfig, st store.Store, candidates *CandidateBuilder, extractor *Extractor, ranker *Ranker, activity ActivitySink, logger *slog.Logger) *Runner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Runner{
		cfg:        cfg,
		store:      st,
		candidates: candidates,
		extractor:  extractor,
		ranker:     ranker,
		activity:   activity,
		logger:     logger,
		latency:    utils.NewLatencyTracker(256),
		baseCtx:    ctx,
		runs:       make(map[string]*runState),
	}
}

// TriggerRCA schedules a run for the incident and returns immediately.
func (r *Runner) TriggerRCA(incidentID string) {
	go r.runLoop(incidentID)
}

// Rerun schedules a manual run, clearing any failure streak first so it is
// never ignored.
func (r *Runner) Rerun(incidentID string) {
	r.mu.Lock()
	if state, ok := r.runs[incidentID]; ok {
		state.failures = 0
	}
	r.mu.Unlock()
	go r.runLoop(incidentID)
}

// RunNow executes a run synchronously, for the rerun endpoint and tests. A
// manual run clears the failure streak, re-arming automatic triggers.
func (r *Runner) RunNow(incidentID string) error {
	r.mu.Lock()
	state, ok := r.runs[incidentID]
	if !ok {
		state = &runState{}
		r.runs[incidentID] = state
	}
	state.failures = 0
	if state.running {
		state.pending = true
		r.mu.Unlock()
		return nil
	}
	state.running = true
	r.mu.Unlock()

	err := r.drain(incidentID, state)
	return err
}

func (r *Runner) runLoop(incidentID string) {
	r.mu.Lock()
	state, ok := r.runs[incidentID]
	if !ok {
		state = &runState{}
		r.runs[incidentID] = state
	}
	// Automatic triggers stay disarmed after repeated failures; only a
	// manual rerun resets the streak.
	if state.failures >= r.cfg.MaxRetries {
		r.mu.Unlock()
		r.logger.Warn("rca trigger ignored after repeated failures", "incident_id", incidentID)
		return
	}
	if state.running {
		state.pending = true
		r.mu.Unlock()
		return
	}
	state.running = true
	r.mu.Unlock()

	if err := r.drain(incidentID, state); err != nil {
		r.logger.Error("rca run failed", "incident_id", incidentID, "error", err)
	}
}

// drain runs until neither a retry nor a coalesced trigger is owed. The
// caller must hold the running flag.
func (r *Runner) drain(incidentID string, state *runState) error {
	var lastErr error
	for {
		lastErr = r.runOnce(incidentID)

		r.mu.Lock()
		if lastErr != nil {
			state.failures++
			if state.failures < r.cfg.MaxRetries {
				r.mu.Unlock()
				continue
			}
			r.logger.Error("rca giving up until next trigger",
				"incident_id", incidentID, "failures", state.failures)
		} else {
			state.failures = 0
		}
		if state.pending {
			state.pending = false
			r.mu.Unlock()
			continue
		}
		state.running = false
		r.mu.Unlock()
		return lastErr
	}
}

func (r *Runner) runOnce(incidentID string) error {
	ctx, cancel := context.WithTimeout(r.baseCtx, r.cfg.RunTimeout)
	defer cancel()
	started := time.Now()

	incident, err := r.store.GetIncident(ctx, incidentID)
	if err != nil {
		metrics.ObserveRCARun(time.Since(started), metrics.OutcomeError)
		return utils.NewAppError("rca.run", "load incident", err)
	}
	previous := incident.RCAStatus

	if err := r.store.UpdateRCAStatus(ctx, incidentID, models.RCAInProgress); err != nil {
		metrics.ObserveRCARun(time.Since(started), metrics.OutcomeError)
		return utils.NewAppError("rca.run", "mark in progress", err)
	}
	r.activity.Publish(models.ActivityRCAStarted, firstService(incident),
		"Root-cause analysis started for "+incident.Title,
		map[string]string{"incident_id": incident.ID})

	suspects, err := r.analyze(ctx, incident)
	if err != nil {
		// Revert so the incident does not look stuck in progress.
		if revertErr := r.store.UpdateRCAStatus(context.WithoutCancel(ctx), incidentID, previous); revertErr != nil {
			r.logger.Error("rca status revert failed", "incident_id", incidentID, "error", revertErr)
		}
		outcome := metrics.OutcomeError
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = metrics.OutcomeTimeout
		}
		metrics.ObserveRCARun(time.Since(started), outcome)
		return err
	}

	if err := r.store.ReplaceSuspects(ctx, incidentID, suspects); err != nil {
		if revertErr := r.store.UpdateRCAStatus(context.WithoutCancel(ctx), incidentID, previous); revertErr != nil {
			r.logger.Error("rca status revert failed", "incident_id", incidentID, "error", revertErr)
		}
		metrics.ObserveRCARun(time.Since(started), metrics.OutcomeError)
		return utils.NewAppError("rca.run", "persist suspects", err)
	}
	if err := r.store.UpdateRCAStatus(ctx, incidentID, models.RCACompleted); err != nil {
		metrics.ObserveRCARun(time.Since(started), metrics.OutcomeError)
		return utils.NewAppError("rca.run", "mark completed", err)
	}

	elapsed := time.Since(started)
	r.latency.Observe(elapsed)
	metrics.ObserveRCARun(elapsed, metrics.OutcomeSuccess)
	r.logger.Info("rca run completed",
		"incident_id", incidentID, "suspects", len(suspects), "elapsed", elapsed)
	r.activity.Publish(models.ActivitySuspectsGenerated, firstService(incident),
		"Suspects ranked for "+incident.Title,
		map[string]string{
			"incident_id": incident.ID,
			"suspects":    strconv.Itoa(len(suspects)),
		})
	return nil
}

func (r *Runner) analyze(ctx context.Context, incident models.Incident) ([]models.Suspect, error) {
	candidates, err := r.candidates.Build(ctx, incident, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	evidence := r.extractor.Extract(ctx, incident, candidates)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.ranker.Rank(incident.ID, evidence), nil
}

// RunLatency reports the given percentile over recent run durations.
func (r *Runner) RunLatency(p float64) time.Duration {
	return r.latency.Percentile(p)
}

func firstService(incident models.Incident) string {
	if len(incident.Services) > 0 {
		return incident.Services[0]
	}
	return ""
}
