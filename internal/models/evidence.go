package models

import "time"

// Candidate is a change event proposed as a possible cause of an incident.
// Candidates are derived per RCA run and never persisted on their own.
type Candidate struct {
	IncidentID string
	Type       ChangeType
	Key        string
	Service    string
	ChangeTS   time.Time
	Payload    ChangePayload
}

// Evidence is the fixed-schema feature vector relating a candidate to an
// incident. Fields that cannot be computed stay at their zero value. Extra
// holds detector-specific features that the ranker does not depend on.
type Evidence struct {
	MinutesBeforeIncident float64            `json:"minutes_before_incident"`
	IsBeforeIncident      float64            `json:"is_before_incident"`
	MetricDeltaCount      float64            `json:"metric_delta_count"`
	MaxMetricDelta        float64            `json:"max_metric_delta"`
	ErrorLogDelta         float64            `json:"error_log_delta"`
	NewErrorSignature     float64            `json:"new_error_signature"`
	DiffKeywordHit        float64            `json:"diff_keyword_hit"`
	HistoricalRisk        float64            `json:"historical_risk"`
	Extra                 map[string]float64 `json:"extra,omitempty"`
}

// FeatureNames is the canonical ordering of the ranked feature vector. A
// trained model declares the names it was fitted on; a mismatch disables it.
var FeatureNames = []string{
	"minutes_before_incident",
	"is_before_incident",
	"metric_delta_count",
	"max_metric_delta",
	"error_log_delta",
	"new_error_signature",
	"diff_keyword_hit",
	"historical_risk",
}

// Field returns the named fixed-schema feature, consulting Extra for anything
// outside the canonical set. Unknown names yield 0.
func (e Evidence) Field(name string) float64 {
	switch name {
	case "minutes_before_incident":
		return e.MinutesBeforeIncident
	case "is_before_incident":
		return e.IsBeforeIncident
	case "metric_delta_count":
		return e.MetricDeltaCount
	case "max_metric_delta":
		return e.MaxMetricDelta
	case "error_log_delta":
		return e.ErrorLogDelta
	case "new_error_signature":
		return e.NewErrorSignature
	case "diff_keyword_hit":
		return e.DiffKeywordHit
	case "historical_risk":
		return e.HistoricalRisk
	}
	return e.Extra[name]
}

// Vector flattens the evidence into the given feature order.
func (e Evidence) Vector(names []string) []float64 {
	out := make([]float64, len(names))
	for i, name := range names {
		out[i] = e.Field(name)
	}
	return out
}

// Suspect is a ranked, scored candidate persisted against an incident.
type Suspect struct {
	ID         string     `json:"id"`
	IncidentID string     `json:"incident_id"`
	Type       ChangeType `json:"suspect_type"`
	Key        string     `json:"suspect_key"`
	Service    string     `json:"service,omitempty"`
	Rank       int        `json:"rank"`
	Score      float64    `json:"score"`
	Evidence   Evidence   `json:"evidence"`
}

// Label records human feedback on a suspect. Append-only; the latest label
// for a (incident, suspect) pair supersedes earlier ones for training.
type Label struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	SuspectID  string    `json:"suspect_id"`
	Value      int       `json:"label"`
	Annotator  string    `json:"annotator,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RankingModel is a versioned scoring artifact. At most one version is active;
// the ranker always scores against an atomically swapped snapshot.
type RankingModel struct {
	Version      string    `json:"version"`
	TrainedOn    int       `json:"trained_on"`
	FeatureNames []string  `json:"feature_names"`
	Weights      []float64 `json:"weights"`
	Bias         float64   `json:"bias"`
	CreatedAt    time.Time `json:"created_at"`
}

// SchemaMatches reports whether the model was trained on the engine's current
// evidence schema.
func (m *RankingModel) SchemaMatches(names []string) bool {
	if m == nil || len(m.FeatureNames) != len(names) || len(m.Weights) != len(names) {
		return false
	}
	for i, name := range names {
		if m.FeatureNames[i] != name {
			return false
		}
	}
	return true
}
