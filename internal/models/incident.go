package models

import "time"

// Anomaly is one deviation episode for a (service, metric) pair. Only end_ts
// and score may move after creation, and only while the episode stays open.
type Anomaly struct {
	ID       string             `json:"id"`
	Service  string             `json:"service"`
	Metric   string             `json:"metric"`
	StartTS  time.Time          `json:"start_ts"`
	EndTS    time.Time          `json:"end_ts"`
	Score    float64            `json:"score"`
	Detector string             `json:"detector"`
	Details  map[string]float64 `json:"details,omitempty"`
	Open     bool               `json:"open"`
}

// IncidentStatus tracks the incident lifecycle. Closure is terminal.
type IncidentStatus string

const (
	IncidentOpen   IncidentStatus = "OPEN"
	IncidentClosed IncidentStatus = "CLOSED"
)

// RCAStatus is the derived state of root-cause analysis for an incident.
type RCAStatus string

const (
	RCANotStarted RCAStatus = "not_started"
	RCAInProgress RCAStatus = "in_progress"
	RCACompleted  RCAStatus = "completed"
)

// Incident groups temporally and spatially related anomalies.
type Incident struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Status     IncidentStatus `json:"status"`
	StartTS    time.Time      `json:"start_ts"`
	EndTS      *time.Time     `json:"end_ts"`
	Summary    string         `json:"summary,omitempty"`
	AnomalyIDs []string       `json:"anomaly_ids,omitempty"`
	Services   []string       `json:"services,omitempty"`
	RCAStatus  RCAStatus      `json:"rca_status"`
}

// EffectiveEnd returns the incident end or fallback when still ongoing.
func (i Incident) EffectiveEnd(fallback time.Time) time.Time {
	if i.EndTS != nil {
		return *i.EndTS
	}
	return fallback
}

// IncidentSummary is the read model exposed to the query surface.
type IncidentSummary struct {
	Incident
	SuspectsCount int `json:"suspects_count"`
}
