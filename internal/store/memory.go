package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-causal/internal/models"
)

// Memory is an in-process Store used for tests and non-durable deployments.
type Memory struct {
	mu        sync.RWMutex
	incidents map[string]models.Incident
	anomalies map[string]models.Anomaly
	changes   []models.ChangeEvent
	suspects  map[string][]models.Suspect // keyed by incident id
	byID      map[string]models.Suspect
	labels    []models.Label
	models    map[string]models.RankingModel
	active    string
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		incidents: make(map[string]models.Incident),
		anomalies: make(map[string]models.Anomaly),
		suspects:  make(map[string][]models.Suspect),
		byID:      make(map[string]models.Suspect),
		models:    make(map[string]models.RankingModel),
	}
}

// CreateIncident stores a new incident record.
func (m *Memory) CreateIncident(_ context.Context, incident models.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[incident.ID] = incident
	return nil
}

// UpdateIncident overwrites an existing incident record.
func (m *Memory) UpdateIncident(_ context.Context, incident models.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.incidents[incident.ID]; !ok {
		return ErrNotFound
	}
	m.incidents[incident.ID] = incident
	return nil
}

// GetIncident returns the incident with the given id.
func (m *Memory) GetIncident(_ context.Context, id string) (models.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	incident, ok := m.incidents[id]
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	return incident, nil
}

// ListIncidents returns incidents, newest first, optionally filtered by status.
func (m *Memory) ListIncidents(_ context.Context, status models.IncidentStatus) ([]models.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Incident, 0, len(m.incidents))
	for _, incident := range m.incidents {
		if status != "" && incident.Status != status {
			continue
		}
		out = append(out, incident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTS.After(out[j].StartTS) })
	return out, nil
}

// UpdateRCAStatus sets the RCA status on an incident.
func (m *Memory) UpdateRCAStatus(_ context.Context, incidentID string, status models.RCAStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	incident, ok := m.incidents[incidentID]
	if !ok {
		return ErrNotFound
	}
	incident.RCAStatus = status
	m.incidents[incidentID] = incident
	return nil
}

// CreateAnomaly stores a new anomaly record.
func (m *Memory) CreateAnomaly(_ context.Context, anomaly models.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies[anomaly.ID] = anomaly
	return nil
}

// UpdateAnomaly overwrites an anomaly, used to extend open episodes.
func (m *Memory) UpdateAnomaly(_ context.Context, anomaly models.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.anomalies[anomaly.ID]; !ok {
		return ErrNotFound
	}
	m.anomalies[anomaly.ID] = anomaly
	return nil
}

// ListIncidentAnomalies returns the anomalies attached to an incident in
// start-time order.
func (m *Memory) ListIncidentAnomalies(_ context.Context, incidentID string) ([]models.Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	incident, ok := m.incidents[incidentID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]models.Anomaly, 0, len(incident.AnomalyIDs))
	for _, id := range incident.AnomalyIDs {
		if anomaly, ok := m.anomalies[id]; ok {
			out = append(out, anomaly)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTS.Before(out[j].StartTS) })
	return out, nil
}

// AppendChangeEvent stores an immutable change event.
func (m *Memory) AppendChangeEvent(_ context.Context, event models.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, event)
	return nil
}

// ListChangeEvents returns events for the given services inside [start, end].
// Flag changes with no service scope match every service, mirroring the
// ingestion contract.
func (m *Memory) ListChangeEvents(_ context.Context, services []string, start, end time.Time) ([]models.ChangeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[string]struct{}, len(services))
	for _, svc := range services {
		wanted[svc] = struct{}{}
	}
	out := make([]models.ChangeEvent, 0)
	for _, event := range m.changes {
		if event.Timestamp.Before(start) || event.Timestamp.After(end) {
			continue
		}
		if _, ok := wanted[event.Service]; !ok {
			if !(event.Service == "" && event.Type == models.ChangeFlag) {
				continue
			}
		}
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ReplaceSuspects swaps the full suspect set for an incident in one step.
func (m *Memory) ReplaceSuspects(_ context.Context, incidentID string, suspects []models.Suspect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, old := range m.suspects[incidentID] {
		delete(m.byID, old.ID)
	}
	replacement := append([]models.Suspect(nil), suspects...)
	m.suspects[incidentID] = replacement
	for _, s := range replacement {
		m.byID[s.ID] = s
	}
	return nil
}

// ListSuspects returns an incident's suspects ordered by rank.
func (m *Memory) ListSuspects(_ context.Context, incidentID string) ([]models.Suspect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]models.Suspect(nil), m.suspects[incidentID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// GetSuspect returns a suspect by id.
func (m *Memory) GetSuspect(_ context.Context, id string) (models.Suspect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	suspect, ok := m.byID[id]
	if !ok {
		return models.Suspect{}, ErrNotFound
	}
	return suspect, nil
}

// CountSuspects returns the number of suspects persisted for an incident.
func (m *Memory) CountSuspects(_ context.Context, incidentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.suspects[incidentID]), nil
}

// AppendLabel stores a new label. History is retained; readers pick the
// latest entry per (incident, suspect).
func (m *Memory) AppendLabel(_ context.Context, label models.Label) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels = append(m.labels, label)
	return nil
}

// CountLabels returns the number of distinct labeled (incident, suspect) pairs.
func (m *Memory) CountLabels(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, label := range m.labels {
		seen[label.IncidentID+"/"+label.SuspectID] = struct{}{}
	}
	return len(seen), nil
}

// LatestLabels joins the latest label per (incident, suspect) with the
// suspect's evidence vector. Suspects replaced since labeling are skipped.
func (m *Memory) LatestLabels(_ context.Context) ([]LabeledEvidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestLabeledLocked(), nil
}

func (m *Memory) latestLabeledLocked() []LabeledEvidence {
	latest := make(map[string]models.Label)
	order := make([]string, 0)
	for _, label := range m.labels {
		key := label.IncidentID + "/" + label.SuspectID
		if _, ok := latest[key]; !ok {
			order = append(order, key)
		}
		latest[key] = label
	}
	out := make([]LabeledEvidence, 0, len(latest))
	for _, key := range order {
		label := latest[key]
		suspect, ok := m.byID[label.SuspectID]
		if !ok {
			continue
		}
		out = append(out, LabeledEvidence{
			IncidentID: label.IncidentID,
			SuspectID:  label.SuspectID,
			Type:       suspect.Type,
			Service:    suspect.Service,
			Evidence:   suspect.Evidence,
			Label:      label.Value,
		})
	}
	return out
}

// RiskStats reports, for a (change type, service) pair, how many labeled
// incidents marked such a candidate as true cause versus labeled it at all.
func (m *Memory) RiskStats(_ context.Context, changeType models.ChangeType, service string) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trueIncidents := make(map[string]struct{})
	anyIncidents := make(map[string]struct{})
	for _, le := range m.latestLabeledLocked() {
		if le.Type != changeType || le.Service != service {
			continue
		}
		anyIncidents[le.IncidentID] = struct{}{}
		if le.Label == 1 {
			trueIncidents[le.IncidentID] = struct{}{}
		}
	}
	return len(trueIncidents), len(anyIncidents), nil
}

// SaveModel stores a new ranking model version without activating it.
func (m *Memory) SaveModel(_ context.Context, model models.RankingModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[model.Version] = model
	return nil
}

// ActiveModel returns the active model version, or nil when none is active.
func (m *Memory) ActiveModel(_ context.Context) (*models.RankingModel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == "" {
		return nil, nil
	}
	model, ok := m.models[m.active]
	if !ok {
		return nil, nil
	}
	copied := model
	return &copied, nil
}

// ActivateModel flips the active pointer to the given version.
func (m *Memory) ActivateModel(_ context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.models[version]; !ok {
		return ErrNotFound
	}
	m.active = version
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }
