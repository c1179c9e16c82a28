package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/miradorstack/mirador-causal/internal/models"
)

// SQLite is a durable Store backed by an embedded sqlite database. The schema
// mirrors the relational layout of the incident tables the query layer reads.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	start_ts INTEGER NOT NULL,
	end_ts INTEGER,
	summary TEXT,
	services TEXT,
	rca_status TEXT NOT NULL DEFAULT 'not_started'
);
CREATE TABLE IF NOT EXISTS anomalies (
	id TEXT PRIMARY KEY,
	service TEXT NOT NULL,
	metric TEXT NOT NULL,
	start_ts INTEGER NOT NULL,
	end_ts INTEGER NOT NULL,
	score REAL NOT NULL,
	detector TEXT NOT NULL,
	details TEXT,
	open INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS incident_anomalies (
	incident_id TEXT NOT NULL,
	anomaly_id TEXT NOT NULL,
	PRIMARY KEY (incident_id, anomaly_id)
);
CREATE TABLE IF NOT EXISTS change_events (
	id TEXT NOT NULL,
	type TEXT NOT NULL,
	service TEXT,
	ts INTEGER NOT NULL,
	payload TEXT,
	PRIMARY KEY (id, type)
);
CREATE INDEX IF NOT EXISTS idx_change_events_ts ON change_events (ts);
CREATE TABLE IF NOT EXISTS suspects (
	id TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL,
	suspect_type TEXT NOT NULL,
	suspect_key TEXT NOT NULL,
	service TEXT,
	rank INTEGER NOT NULL,
	score REAL NOT NULL,
	evidence TEXT
);
CREATE INDEX IF NOT EXISTS idx_suspects_incident ON suspects (incident_id, rank);
CREATE TABLE IF NOT EXISTS labels (
	id TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL,
	suspect_id TEXT NOT NULL,
	label INTEGER NOT NULL,
	annotator TEXT,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ranking_models (
	version TEXT PRIMARY KEY,
	trained_on INTEGER NOT NULL,
	feature_names TEXT NOT NULL,
	weights TEXT NOT NULL,
	bias REAL NOT NULL,
	created_at INTEGER NOT NULL,
	active INTEGER NOT NULL DEFAULT 0
);
`

// NewSQLite opens (creating if needed) the sqlite database at path.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The engine serialises writers itself; a single connection keeps the
	// embedded driver free of SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// CreateIncident inserts a new incident row and its anomaly links.
func (s *SQLite) CreateIncident(ctx context.Context, incident models.Incident) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO incidents (id, title, status, start_ts, end_ts, summary, services, rca_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		incident.ID, incident.Title, string(incident.Status), incident.StartTS.UnixMilli(),
		nullableMilli(incident.EndTS), incident.Summary, joinList(incident.Services), string(incident.RCAStatus),
	); err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	if err := replaceLinks(ctx, tx, incident.ID, incident.AnomalyIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateIncident overwrites an incident row and its anomaly links.
func (s *SQLite) UpdateIncident(ctx context.Context, incident models.Incident) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`UPDATE incidents SET title = ?, status = ?, start_ts = ?, end_ts = ?, summary = ?, services = ?, rca_status = ?
		 WHERE id = ?`,
		incident.Title, string(incident.Status), incident.StartTS.UnixMilli(),
		nullableMilli(incident.EndTS), incident.Summary, joinList(incident.Services),
		string(incident.RCAStatus), incident.ID,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := replaceLinks(ctx, tx, incident.ID, incident.AnomalyIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceLinks(ctx context.Context, tx *sql.Tx, incidentID string, anomalyIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM incident_anomalies WHERE incident_id = ?`, incidentID); err != nil {
		return fmt.Errorf("clear anomaly links: %w", err)
	}
	for _, anomalyID := range anomalyIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO incident_anomalies (incident_id, anomaly_id) VALUES (?, ?)`,
			incidentID, anomalyID,
		); err != nil {
			return fmt.Errorf("link anomaly: %w", err)
		}
	}
	return nil
}

// GetIncident returns the incident with the given id.
func (s *SQLite) GetIncident(ctx context.Context, id string) (models.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, status, start_ts, end_ts, summary, services, rca_status FROM incidents WHERE id = ?`, id)
	incident, err := scanIncident(row)
	if err != nil {
		return models.Incident{}, err
	}
	incident.AnomalyIDs, err = s.anomalyIDs(ctx, id)
	return incident, err
}

func (s *SQLite) anomalyIDs(ctx context.Context, incidentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ia.anomaly_id FROM incident_anomalies ia
		 JOIN anomalies a ON a.id = ia.anomaly_id
		 WHERE ia.incident_id = ? ORDER BY a.start_ts`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListIncidents returns incidents newest first, optionally filtered by status.
func (s *SQLite) ListIncidents(ctx context.Context, status models.IncidentStatus) ([]models.Incident, error) {
	query := `SELECT id, title, status, start_ts, end_ts, summary, services, rca_status FROM incidents`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY start_ts DESC LIMIT 250`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, incident)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].AnomalyIDs, err = s.anomalyIDs(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateRCAStatus sets the RCA status column for an incident.
func (s *SQLite) UpdateRCAStatus(ctx context.Context, incidentID string, status models.RCAStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE incidents SET rca_status = ? WHERE id = ?`, string(status), incidentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAnomaly inserts a new anomaly row.
func (s *SQLite) CreateAnomaly(ctx context.Context, anomaly models.Anomaly) error {
	details, err := json.Marshal(anomaly.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO anomalies (id, service, metric, start_ts, end_ts, score, detector, details, open)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		anomaly.ID, anomaly.Service, anomaly.Metric, anomaly.StartTS.UnixMilli(), anomaly.EndTS.UnixMilli(),
		anomaly.Score, anomaly.Detector, string(details), boolInt(anomaly.Open),
	)
	return err
}

// UpdateAnomaly overwrites an anomaly, used to extend open episodes.
func (s *SQLite) UpdateAnomaly(ctx context.Context, anomaly models.Anomaly) error {
	details, err := json.Marshal(anomaly.Details)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET end_ts = ?, score = ?, details = ?, open = ? WHERE id = ?`,
		anomaly.EndTS.UnixMilli(), anomaly.Score, string(details), boolInt(anomaly.Open), anomaly.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIncidentAnomalies returns an incident's anomalies in start-time order.
func (s *SQLite) ListIncidentAnomalies(ctx context.Context, incidentID string) ([]models.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.service, a.metric, a.start_ts, a.end_ts, a.score, a.detector, a.details, a.open
		 FROM incident_anomalies ia JOIN anomalies a ON a.id = ia.anomaly_id
		 WHERE ia.incident_id = ? ORDER BY a.start_ts`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Anomaly
	for rows.Next() {
		var (
			anomaly          models.Anomaly
			startMs, endMs   int64
			details          sql.NullString
			open             int
		)
		if err := rows.Scan(&anomaly.ID, &anomaly.Service, &anomaly.Metric, &startMs, &endMs,
			&anomaly.Score, &anomaly.Detector, &details, &open); err != nil {
			return nil, err
		}
		anomaly.StartTS = time.UnixMilli(startMs).UTC()
		anomaly.EndTS = time.UnixMilli(endMs).UTC()
		anomaly.Open = open != 0
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &anomaly.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, anomaly)
	}
	return out, rows.Err()
}

// AppendChangeEvent stores an immutable change event. Replays of the same
// (id, type) pair are ignored.
func (s *SQLite) AppendChangeEvent(ctx context.Context, event models.ChangeEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO change_events (id, type, service, ts, payload) VALUES (?, ?, ?, ?, ?)`,
		event.ID, string(event.Type), event.Service, event.Timestamp.UnixMilli(), string(payload),
	)
	return err
}

// ListChangeEvents returns events for the services inside [start, end].
func (s *SQLite) ListChangeEvents(ctx context.Context, services []string, start, end time.Time) ([]models.ChangeEvent, error) {
	if len(services) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(services)), ",")
	args := make([]any, 0, len(services)+2)
	args = append(args, start.UnixMilli(), end.UnixMilli())
	for _, svc := range services {
		args = append(args, svc)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, service, ts, payload FROM change_events
		 WHERE ts >= ? AND ts <= ? AND (service IN (`+placeholders+`) OR (service = '' AND type = 'flag_change'))
		 ORDER BY ts`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ChangeEvent
	for rows.Next() {
		var (
			event   models.ChangeEvent
			typ     string
			tsMs    int64
			payload sql.NullString
		)
		if err := rows.Scan(&event.ID, &typ, &event.Service, &tsMs, &payload); err != nil {
			return nil, err
		}
		event.Type = models.ChangeType(typ)
		event.Timestamp = time.UnixMilli(tsMs).UTC()
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &event.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// ReplaceSuspects swaps the full suspect set for an incident in one
// transaction so readers never see a partially updated ranking.
func (s *SQLite) ReplaceSuspects(ctx context.Context, incidentID string, suspects []models.Suspect) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM suspects WHERE incident_id = ?`, incidentID); err != nil {
		return fmt.Errorf("clear suspects: %w", err)
	}
	for _, suspect := range suspects {
		evidence, err := json.Marshal(suspect.Evidence)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO suspects (id, incident_id, suspect_type, suspect_key, service, rank, score, evidence)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			suspect.ID, incidentID, string(suspect.Type), suspect.Key, suspect.Service,
			suspect.Rank, suspect.Score, string(evidence),
		); err != nil {
			return fmt.Errorf("insert suspect: %w", err)
		}
	}
	return tx.Commit()
}

// ListSuspects returns an incident's suspects ordered by rank.
func (s *SQLite) ListSuspects(ctx context.Context, incidentID string) ([]models.Suspect, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, incident_id, suspect_type, suspect_key, service, rank, score, evidence
		 FROM suspects WHERE incident_id = ? ORDER BY rank`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Suspect
	for rows.Next() {
		suspect, err := scanSuspect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, suspect)
	}
	return out, rows.Err()
}

// GetSuspect returns a suspect by id.
func (s *SQLite) GetSuspect(ctx context.Context, id string) (models.Suspect, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, incident_id, suspect_type, suspect_key, service, rank, score, evidence
		 FROM suspects WHERE id = ?`, id)
	return scanSuspect(row)
}

// CountSuspects returns the number of suspects persisted for an incident.
func (s *SQLite) CountSuspects(ctx context.Context, incidentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM suspects WHERE incident_id = ?`, incidentID).Scan(&n)
	return n, err
}

// AppendLabel stores a new label row; history is retained.
func (s *SQLite) AppendLabel(ctx context.Context, label models.Label) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO labels (id, incident_id, suspect_id, label, annotator, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		label.ID, label.IncidentID, label.SuspectID, label.Value, label.Annotator, label.CreatedAt.UnixMilli(),
	)
	return err
}

// CountLabels counts distinct labeled (incident, suspect) pairs.
func (s *SQLite) CountLabels(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (SELECT DISTINCT incident_id, suspect_id FROM labels)`).Scan(&n)
	return n, err
}

// LatestLabels joins the latest label per (incident, suspect) with the
// suspect's evidence vector.
func (s *SQLite) LatestLabels(ctx context.Context) ([]LabeledEvidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.incident_id, l.suspect_id, s.suspect_type, s.service, s.evidence, l.label
		 FROM labels l
		 JOIN suspects s ON s.id = l.suspect_id
		 WHERE l.created_at = (
			SELECT MAX(l2.created_at) FROM labels l2
			WHERE l2.incident_id = l.incident_id AND l2.suspect_id = l.suspect_id
		 )`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LabeledEvidence
	for rows.Next() {
		var (
			le       LabeledEvidence
			typ      string
			evidence sql.NullString
		)
		if err := rows.Scan(&le.IncidentID, &le.SuspectID, &typ, &le.Service, &evidence, &le.Label); err != nil {
			return nil, err
		}
		le.Type = models.ChangeType(typ)
		if evidence.Valid && evidence.String != "" {
			if err := json.Unmarshal([]byte(evidence.String), &le.Evidence); err != nil {
				return nil, err
			}
		}
		out = append(out, le)
	}
	return out, rows.Err()
}

// RiskStats reports labeled-true and labeled-any incident counts for a
// (change type, service) pair.
func (s *SQLite) RiskStats(ctx context.Context, changeType models.ChangeType, service string) (int, int, error) {
	labeled, err := s.LatestLabels(ctx)
	if err != nil {
		return 0, 0, err
	}
	trueIncidents := make(map[string]struct{})
	anyIncidents := make(map[string]struct{})
	for _, le := range labeled {
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
func (s *SQLite) SaveModel(ctx context.Context, model models.RankingModel) error {
	names, err := json.Marshal(model.FeatureNames)
	if err != nil {
		return err
	}
	weights, err := json.Marshal(model.Weights)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ranking_models (version, trained_on, feature_names, weights, bias, created_at, active)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		model.Version, model.TrainedOn, string(names), string(weights), model.Bias, model.CreatedAt.UnixMilli(),
	)
	return err
}

// ActiveModel returns the currently active model version, or nil.
func (s *SQLite) ActiveModel(ctx context.Context) (*models.RankingModel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, trained_on, feature_names, weights, bias, created_at FROM ranking_models WHERE active = 1`)
	var (
		model          models.RankingModel
		names, weights string
		createdMs      int64
	)
	err := row.Scan(&model.Version, &model.TrainedOn, &names, &weights, &model.Bias, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(names), &model.FeatureNames); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(weights), &model.Weights); err != nil {
		return nil, err
	}
	model.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &model, nil
}

// ActivateModel flips the active flag to the given version in one transaction.
func (s *SQLite) ActivateModel(ctx context.Context, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE ranking_models SET active = 1 WHERE version = ?`, version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ranking_models SET active = 0 WHERE version != ?`, version); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (models.Incident, error) {
	var (
		incident models.Incident
		status   string
		rca      string
		startMs  int64
		endMs    sql.NullInt64
		summary  sql.NullString
		services sql.NullString
	)
	err := row.Scan(&incident.ID, &incident.Title, &status, &startMs, &endMs, &summary, &services, &rca)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Incident{}, ErrNotFound
	}
	if err != nil {
		return models.Incident{}, err
	}
	incident.Status = models.IncidentStatus(status)
	incident.RCAStatus = models.RCAStatus(rca)
	incident.StartTS = time.UnixMilli(startMs).UTC()
	if endMs.Valid {
		end := time.UnixMilli(endMs.Int64).UTC()
		incident.EndTS = &end
	}
	if summary.Valid {
		incident.Summary = summary.String
	}
	if services.Valid && services.String != "" {
		incident.Services = strings.Split(services.String, ",")
	}
	return incident, nil
}

func scanSuspect(row rowScanner) (models.Suspect, error) {
	var (
		suspect  models.Suspect
		typ      string
		evidence sql.NullString
	)
	err := row.Scan(&suspect.ID, &suspect.IncidentID, &typ, &suspect.Key, &suspect.Service,
		&suspect.Rank, &suspect.Score, &evidence)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Suspect{}, ErrNotFound
	}
	if err != nil {
		return models.Suspect{}, err
	}
	suspect.Type = models.ChangeType(typ)
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &suspect.Evidence); err != nil {
			return models.Suspect{}, err
		}
	}
	return suspect, nil
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func joinList(values []string) string { return strings.Join(values, ",") }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
