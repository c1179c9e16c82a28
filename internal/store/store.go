package store

import (
	"context"
	"errors"
	"time"

	"github.com/miradorstack/mirador-causal/internal/models"
)

// ErrNotFound signals that a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// LabeledEvidence pairs a suspect's evidence vector with its latest human label.
type LabeledEvidence struct {
	IncidentID string
	SuspectID  string
	Type       models.ChangeType
	Service    string
	Evidence   models.Evidence
	Label      int
}

// Store persists the records the engine owns: incidents, anomalies, suspects,
// labels, change events, and ranking model versions. ReplaceSuspects must be
// atomic so readers never observe a partially updated ranked list.
type Store interface {
	CreateIncident(ctx context.Context, incident models.Incident) error
	UpdateIncident(ctx context.Context, incident models.Incident) error
	GetIncident(ctx context.Context, id string) (models.Incident, error)
	ListIncidents(ctx context.Context, status models.IncidentStatus) ([]models.Incident, error)
	UpdateRCAStatus(ctx context.Context, incidentID string, status models.RCAStatus) error

	CreateAnomaly(ctx context.Context, anomaly models.Anomaly) error
	UpdateAnomaly(ctx context.Context, anomaly models.Anomaly) error
	ListIncidentAnomalies(ctx context.Context, incidentID string) ([]models.Anomaly, error)

	AppendChangeEvent(ctx context.Context, event models.ChangeEvent) error
	ListChangeEvents(ctx context.Context, services []string, start, end time.Time) ([]models.ChangeEvent, error)

	ReplaceSuspects(ctx context.Context, incidentID string, suspects []models.Suspect) error
	ListSuspects(ctx context.Context, incidentID string) ([]models.Suspect, error)
	GetSuspect(ctx context.Context, id string) (models.Suspect, error)
	CountSuspects(ctx context.Context, incidentID string) (int, error)

	AppendLabel(ctx context.Context, label models.Label) error
	CountLabels(ctx context.Context) (int, error)
	LatestLabels(ctx context.Context) ([]LabeledEvidence, error)
	RiskStats(ctx context.Context, changeType models.ChangeType, service string) (labeledTrue, total int, err error)

	SaveModel(ctx context.Context, model models.RankingModel) error
	ActiveModel(ctx context.Context) (*models.RankingModel, error)
	ActivateModel(ctx context.Context, version string) error

	Close() error
}
