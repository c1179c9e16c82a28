package models

import "time"

// ActivityType enumerates events published on the live activity feed.
type ActivityType string

const (
	ActivityAnomalyDetected     ActivityType = "anomaly_detected"
	ActivityIncidentCreated     ActivityType = "incident_created"
	ActivityRCAStarted          ActivityType = "rca_started"
	ActivitySuspectsGenerated   ActivityType = "suspects_generated"
	ActivitySuspectScoreUpdated ActivityType = "suspect_score_updated"
)

// ActivityEvent is one entry in the monotonic activity log. Cursor increases
// strictly with publication order, so observers can resume from "everything
// since cursor X" without a push transport.
type ActivityEvent struct {
	Cursor    uint64            `json:"cursor"`
	Timestamp time.Time         `json:"ts"`
	Type      ActivityType      `json:"type"`
	Service   string            `json:"service,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
