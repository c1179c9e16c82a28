package models

import "time"

// MetricSample is a single point of service telemetry.
type MetricSample struct {
	Service   string    `json:"service"`
	Metric    string    `json:"metric"`
	Timestamp time.Time `json:"ts"`
	Value     float64   `json:"value"`
}

// LogEntry is an ingested log record. The engine only reads these; ownership
// stays with the ingestion layer.
type LogEntry struct {
	Service   string    `json:"service"`
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	Event     string    `json:"event"`
	Message   string    `json:"message"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// ChangeType enumerates the kinds of change events that can become suspects.
type ChangeType string

const (
	ChangeDeployment ChangeType = "deployment"
	ChangeConfig     ChangeType = "config_change"
	ChangeFlag       ChangeType = "flag_change"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeDeployment, ChangeConfig, ChangeFlag:
		return true
	}
	return false
}

// Priority orders change types for deterministic tie-breaking; lower is stronger.
func (t ChangeType) Priority() int {
	switch t {
	case ChangeDeployment:
		return 0
	case ChangeConfig:
		return 1
	case ChangeFlag:
		return 2
	default:
		return 3
	}
}

// ChangePayload carries the type-specific detail of a change event. Fields not
// relevant to the event's type stay empty.
type ChangePayload struct {
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`
	Author      string `json:"author,omitempty"`
	DiffSummary string `json:"diff_summary,omitempty"`
	ConfigKey   string `json:"config_key,omitempty"`
	OldValue    string `json:"old_value,omitempty"`
	NewValue    string `json:"new_value,omitempty"`
	FlagName    string `json:"flag_name,omitempty"`
	OldState    string `json:"old_state,omitempty"`
	NewState    string `json:"new_state,omitempty"`
}

// Text flattens the payload into searchable text for keyword matching.
func (p ChangePayload) Text() string {
	parts := []string{p.DiffSummary, p.ConfigKey, p.OldValue, p.NewValue, p.FlagName}
	out := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += part
	}
	return out
}

// ChangeEvent is an immutable record of a deployment, config change, or
// feature-flag flip.
type ChangeEvent struct {
	ID        string        `json:"id"`
	Type      ChangeType    `json:"type"`
	Service   string        `json:"service"`
	Timestamp time.Time     `json:"ts"`
	Payload   ChangePayload `json:"payload"`
}
