package grouper

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-causal/internal/config"
	"github.com/miradorstack/mirador-causal/internal/metrics"
	"github.com/miradorstack/mirador-causal/internal/models"
	"github.com/miradorstack/mirador-causal/internal/store"
	"github.com/miradorstack/mirador-causal/internal/utils"
)

// Trigger requests a root-cause run for an incident. The RCA runner is the
// production implementation; triggers are fire-and-forget.
type Trigger interface {
	TriggerRCA(incidentID string)
}

// ActivitySink publishes grouper events onto the live activity feed.
type ActivitySink interface {
	Publish(eventType models.ActivityType, service, message string, metadata map[string]string)
}

// Grouper folds anomaly episodes into incidents. An anomaly joins an open
// incident when their windows overlap within the grace margin; otherwise it
// starts a new one. Closure is monotonic: once an incident closes, later
// anomalies always open a fresh incident.
type Grouper struct {
	cfg      config.GrouperConfig
	store    store.Store
	trigger  Trigger
	activity ActivitySink
	logger   *slog.Logger

	mu         sync.Mutex
	open       map[string]*openIncident
	byAnomaly  map[string]string // anomaly id -> incident id
	rcaPending map[string]*time.Timer
}

type openIncident struct {
	incident     models.Incident
	maxEnd       time.Time
	lastActivity time.Time
	openEpisodes map[string]struct{}
}

// New constructs a grouper persisting incidents through st and requesting
// RCA runs through trigger.
func New(cfg config.GrouperConfig, st store.Store, trigger Trigger, activity ActivitySink, logger *slog.Logger) *Grouper {
	return &Grouper{
		cfg:        cfg,
		store:      st,
		trigger:    trigger,
		activity:   activity,
		logger:     logger,
		open:       make(map[string]*openIncident),
		byAnomaly:  make(map[string]string),
		rcaPending: make(map[string]*time.Timer),
	}
}

// AnomalyOpened attaches a fresh episode to a matching open incident or
// creates a new incident around it.
func (g *Grouper) AnomalyOpened(ctx context.Context, anomaly models.Anomaly) {
	g.mu.Lock()
	target := g.matchLocked(anomaly)
	if target == nil {
		incident := models.Incident{
			ID:         uuid.NewString(),
			Status:     models.IncidentOpen,
			StartTS:    anomaly.StartTS,
			AnomalyIDs: []string{anomaly.ID},
			Services:   []string{anomaly.Service},
			RCAStatus:  models.RCANotStarted,
		}
		incident.Title = title(incident.Services)
		target = &openIncident{
			incident:     incident,
			maxEnd:       anomaly.EndTS,
			lastActivity: anomaly.EndTS,
			openEpisodes: map[string]struct{}{anomaly.ID: {}},
		}
		g.open[incident.ID] = target
		g.byAnomaly[anomaly.ID] = incident.ID
		snapshot := target.incident
		openCount := len(g.open)
		g.mu.Unlock()

		if err := g.store.CreateIncident(ctx, snapshot); err != nil {
			g.logger.Error("persist incident failed", "incident_id", snapshot.ID, "error", err)
		}
		metrics.SetOpenIncidents(openCount)
		g.logger.Info("incident opened",
			"incident_id", snapshot.ID, "title", snapshot.Title, "start", snapshot.StartTS)
		g.activity.Publish(models.ActivityIncidentCreated, anomaly.Service,
			snapshot.Title, map[string]string{"incident_id": snapshot.ID})
		g.scheduleRCA(snapshot.ID)
		return
	}

	target.incident.AnomalyIDs = append(target.incident.AnomalyIDs, anomaly.ID)
	if !containsString(target.incident.Services, anomaly.Service) {
		target.incident.Services = append(target.incident.Services, anomaly.Service)
		sort.Strings(target.incident.Services)
		target.incident.Title = title(target.incident.Services)
	}
	if anomaly.StartTS.Before(target.incident.StartTS) {
		target.incident.StartTS = anomaly.StartTS
	}
	if anomaly.EndTS.After(target.maxEnd) {
		target.maxEnd = anomaly.EndTS
	}
	target.lastActivity = anomaly.EndTS
	target.openEpisodes[anomaly.ID] = struct{}{}
	g.byAnomaly[anomaly.ID] = target.incident.ID
	snapshot := target.incident
	g.mu.Unlock()

	if err := g.store.UpdateIncident(ctx, snapshot); err != nil {
		g.logger.Error("persist incident failed", "incident_id", snapshot.ID, "error", err)
	}
	g.scheduleRCA(snapshot.ID)
}

// AnomalyExtended records continued activity on a member episode.
func (g *Grouper) AnomalyExtended(_ context.Context, anomaly models.Anomaly) {
	g.mu.Lock()
	defer g.mu.Unlock()
	incidentID, ok := g.byAnomaly[anomaly.ID]
	if !ok {
		return
	}
	target, ok := g.open[incidentID]
	if !ok {
		return
	}
	if anomaly.EndTS.After(target.maxEnd) {
		target.maxEnd = anomaly.EndTS
	}
	target.lastActivity = anomaly.EndTS
}

// AnomalyClosed records a member episode ending. The incident itself closes
// later, on a quiet-period sweep.
func (g *Grouper) AnomalyClosed(_ context.Context, anomaly models.Anomaly) {
	g.mu.Lock()
	defer g.mu.Unlock()
	incidentID, ok := g.byAnomaly[anomaly.ID]
	if !ok {
		return
	}
	target, ok := g.open[incidentID]
	if !ok {
		return
	}
	delete(target.openEpisodes, anomaly.ID)
	if anomaly.EndTS.After(target.maxEnd) {
		target.maxEnd = anomaly.EndTS
	}
	target.lastActivity = anomaly.EndTS
}

// Sweep closes every open incident whose members have all ended and that has
// seen no anomaly activity for the quiet period.
func (g *Grouper) Sweep(ctx context.Context, now time.Time) {
	g.mu.Lock()
	var closed []models.Incident
	for id, target := range g.open {
		if len(target.openEpisodes) > 0 {
			continue
		}
		if now.Sub(target.lastActivity) < g.cfg.QuietPeriod {
			continue
		}
		end := target.maxEnd
		target.incident.Status = models.IncidentClosed
		target.incident.EndTS = &end
		closed = append(closed, target.incident)
		delete(g.open, id)
		for _, anomalyID := range target.incident.AnomalyIDs {
			delete(g.byAnomaly, anomalyID)
		}
	}
	openCount := len(g.open)
	g.mu.Unlock()

	for _, incident := range closed {
		if err := g.store.UpdateIncident(ctx, incident); err != nil {
			g.logger.Error("persist incident closure failed", "incident_id", incident.ID, "error", err)
			continue
		}
		g.logger.Info("incident closed",
			"incident_id", incident.ID, "end", incident.EndTS,
			"duration_min", utils.DurationMinutes(incident.StartTS, *incident.EndTS))
	}
	if len(closed) > 0 {
		metrics.SetOpenIncidents(openCount)
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (g *Grouper) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.Sweep(ctx, now)
		}
	}
}

// matchLocked finds the open incident the anomaly belongs to, or nil.
func (g *Grouper) matchLocked(anomaly models.Anomaly) *openIncident {
	var best *openIncident
	for _, target := range g.open {
		if !g.cfg.CrossService && !containsString(target.incident.Services, anomaly.Service) {
			continue
		}
		if anomaly.StartTS.After(target.maxEnd.Add(g.cfg.GraceMargin)) {
			continue
		}
		if anomaly.EndTS.Before(target.incident.StartTS.Add(-g.cfg.GraceMargin)) {
			continue
		}
		if best == nil || target.incident.StartTS.Before(best.incident.StartTS) {
			best = target
		}
	}
	return best
}

// scheduleRCA coalesces triggers: at most one run request per incident per
// debounce interval, no matter how many anomalies arrive inside it.
func (g *Grouper) scheduleRCA(incidentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, pending := g.rcaPending[incidentID]; pending {
		return
	}
	g.rcaPending[incidentID] = time.AfterFunc(g.cfg.TriggerDebounce, func() {
		g.mu.Lock()
		delete(g.rcaPending, incidentID)
		g.mu.Unlock()
		g.trigger.TriggerRCA(incidentID)
	})
}

func title(services []string) string {
	if len(services) == 1 {
		return "Incident in " + services[0]
	}
	return "Incident affecting " + strings.Join(services, ", ")
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
