package engine

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-causal/internal/config"
	"github.com/miradorstack/mirador-causal/internal/models"
	"github.com/miradorstack/mirador-causal/internal/store"
	"github.com/miradorstack/mirador-causal/internal/utils"
)

// CandidateBuilder selects the change events that could plausibly explain an
// incident: everything touching the incident's services inside the lookback
// window before its start, plus unscoped flag flips.
type CandidateBuilder struct {
	cfg   config.CandidatesConfig
	store store.Store
}

// NewCandidateBuilder constructs a builder reading change events from st.
func NewCandidateBuilder(cfg config.CandidatesConfig, st store.Store) *CandidateBuilder {
	return &CandidateBuilder{cfg: cfg, store: st}
}

// Build returns the deduplicated candidate set for an incident. When the same
// (type, key) repeats inside the window, the occurrence closest to the
// incident wins.
func (b *CandidateBuilder) Build(ctx context.Context, incident models.Incident, now time.Time) ([]models.Candidate, error) {
	windowStart := incident.StartTS.Add(-b.cfg.Lookback)
	windowEnd := incident.StartTS.Add(b.cfg.Lookahead)
	if effectiveEnd := incident.EffectiveEnd(now); windowEnd.After(effectiveEnd) {
		windowEnd = effectiveEnd
	}

	events, err := b.store.ListChangeEvents(ctx, incident.Services, windowStart, windowEnd)
	if err != nil {
		return nil, utils.NewAppError("candidates.build", "list change events", err)
	}

	// Events arrive in timestamp order, so later occurrences overwrite
	// earlier ones for the same key.
	byKey := make(map[string]int)
	out := make([]models.Candidate, 0, len(events))
	for _, event := range events {
		candidate := models.Candidate{
			IncidentID: incident.ID,
			Type:       event.Type,
			Key:        CandidateKey(event),
			Service:    event.Service,
			ChangeTS:   event.Timestamp,
			Payload:    event.Payload,
		}
		if idx, seen := byKey[candidate.Key]; seen {
			out[idx] = candidate
			continue
		}
		byKey[candidate.Key] = len(out)
		out = append(out, candidate)
	}
	return out, nil
}

// CandidateKey derives the stable identity of a change event. Repeated
// deployments of one version, edits of one config key, or flips of one flag
// collapse onto the same suspect.
func CandidateKey(event models.ChangeEvent) string {
	switch event.Type {
	case models.ChangeDeployment:
		return "deploy:" + event.Service + ":" + event.Payload.Version
	case models.ChangeConfig:
		return "cfg:" + event.Service + ":" + event.Payload.ConfigKey
	case models.ChangeFlag:
		return "flag:" + event.Payload.FlagName
	default:
		return string(event.Type) + ":" + event.ID
	}
}
