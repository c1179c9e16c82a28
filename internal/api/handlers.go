package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/miradorstack/mirador-causal/internal/metrics"
	"github.com/miradorstack/mirador-causal/internal/models"
	"github.com/miradorstack/mirador-causal/internal/store"
	"github.com/miradorstack/mirador-causal/internal/utils"
)

const (
	kindMetrics = "metrics"
	kindLogs    = "logs"
	kindChanges = "changes"
)

// handleIngestMetrics accepts a batch of metric samples. The batch is
// validated as a whole: one malformed record rejects the request so callers
// notice bad pipelines instead of silently losing data.
func (s *Server) handleIngestMetrics(c *gin.Context) {
	var samples []models.MetricSample
	if err := c.ShouldBindJSON(&samples); err != nil {
		metrics.ObserveReject(kindMetrics)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	for i, sample := range samples {
		if err := validateMetricSample(sample); err != nil {
			metrics.ObserveReject(kindMetrics)
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "sample " + strconv.Itoa(i) + ": " + err.Error(),
			})
			return
		}
	}

	for _, sample := range samples {
		sample.Timestamp = sample.Timestamp.UTC()
		s.buffer.AppendMetric(sample)
		if err := s.detector.Offer(c.Request.Context(), sample); err != nil {
			s.logger.Error("detector rejected sample", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
			return
		}
		metrics.ObserveIngest(kindMetrics)
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(samples)})
}

// handleIngestLogs accepts a batch of log entries into the signal buffer.
func (s *Server) handleIngestLogs(c *gin.Context) {
	var entries []models.LogEntry
	if err := c.ShouldBindJSON(&entries); err != nil {
		metrics.ObserveReject(kindLogs)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	for i, entry := range entries {
		if entry.Service == "" || entry.Timestamp.IsZero() {
			metrics.ObserveReject(kindLogs)
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "entry " + strconv.Itoa(i) + ": service and ts are required",
			})
			return
		}
	}

	for _, entry := range entries {
		entry.Timestamp = entry.Timestamp.UTC()
		s.buffer.AppendLog(entry)
		metrics.ObserveIngest(kindLogs)
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(entries)})
}

// handleIngestChanges records change events. Events are immutable; replays of
// an already-seen event are acknowledged without duplication.
func (s *Server) handleIngestChanges(c *gin.Context) {
	var events []models.ChangeEvent
	if err := c.ShouldBindJSON(&events); err != nil {
		metrics.ObserveReject(kindChanges)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	for i := range events {
		if err := validateChangeEvent(events[i]); err != nil {
			metrics.ObserveReject(kindChanges)
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "event " + strconv.Itoa(i) + ": " + err.Error(),
			})
			return
		}
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
	}

	for _, event := range events {
		event.Timestamp = event.Timestamp.UTC()
		if err := s.store.AppendChangeEvent(c.Request.Context(), event); err != nil {
			s.logger.Error("persist change event failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
			return
		}
		metrics.ObserveIngest(kindChanges)
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(events)})
}

func (s *Server) handleListIncidents(c *gin.Context) {
	status := models.IncidentStatus(c.Query("status"))
	if status != "" && status != models.IncidentOpen && status != models.IncidentClosed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be OPEN or CLOSED"})
		return
	}
	var from, to time.Time
	if raw := c.Query("from"); raw != "" {
		parsed, err := utils.ParseRFC3339(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := utils.ParseRFC3339(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = parsed
	}

	incidents, err := s.store.ListIncidents(c.Request.Context(), status)
	if err != nil {
		s.logger.Error("list incidents failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	summaries := make([]models.IncidentSummary, 0, len(incidents))
	for _, incident := range incidents {
		if !from.IsZero() && incident.StartTS.Before(from) {
			continue
		}
		if !to.IsZero() && incident.StartTS.After(to) {
			continue
		}
		count, err := s.store.CountSuspects(c.Request.Context(), incident.ID)
		if err != nil {
			s.logger.Error("count suspects failed", "incident_id", incident.ID, "error", err)
		}
		summaries = append(summaries, models.IncidentSummary{Incident: incident, SuspectsCount: count})
	}
	c.JSON(http.StatusOK, gin.H{"incidents": summaries})
}

func (s *Server) handleGetIncident(c *gin.Context) {
	incident, err := s.store.GetIncident(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	if err != nil {
		s.logger.Error("get incident failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	count, err := s.store.CountSuspects(c.Request.Context(), incident.ID)
	if err != nil {
		s.logger.Error("count suspects failed", "incident_id", incident.ID, "error", err)
	}
	c.JSON(http.StatusOK, models.IncidentSummary{Incident: incident, SuspectsCount: count})
}

func (s *Server) handleListAnomalies(c *gin.Context) {
	incidentID := c.Param("id")
	if _, err := s.store.GetIncident(c.Request.Context(), incidentID); errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	anomalies, err := s.store.ListIncidentAnomalies(c.Request.Context(), incidentID)
	if err != nil {
		s.logger.Error("list anomalies failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies})
}

func (s *Server) handleListSuspects(c *gin.Context) {
	incidentID := c.Param("id")
	incident, err := s.store.GetIncident(c.Request.Context(), incidentID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	if err != nil {
		s.logger.Error("get incident failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	suspects, err := s.store.ListSuspects(c.Request.Context(), incidentID)
	if err != nil {
		s.logger.Error("list suspects failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"incident_id": incidentID,
		"rca_status":  incident.RCAStatus,
		"suspects":    suspects,
	})
}

type labelRequest struct {
	Label     *int   `json:"label"`
	Annotator string `json:"annotator"`
}

// handleLabelSuspect records human feedback on a suspect. Labels are
// append-only; relabeling supersedes rather than edits.
func (s *Server) handleLabelSuspect(c *gin.Context) {
	var req labelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	if req.Label == nil || (*req.Label != 0 && *req.Label != 1) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label must be 0 or 1"})
		return
	}

	incidentID := c.Param("id")
	suspect, err := s.store.GetSuspect(c.Request.Context(), c.Param("suspectId"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && suspect.IncidentID != incidentID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "suspect not found on incident"})
		return
	}
	if err != nil {
		s.logger.Error("get suspect failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	label := models.Label{
		ID:         uuid.NewString(),
		IncidentID: incidentID,
		SuspectID:  suspect.ID,
		Value:      *req.Label,
		Annotator:  req.Annotator,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AppendLabel(c.Request.Context(), label); err != nil {
		s.logger.Error("persist label failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persist failed"})
		return
	}
	s.feed.Publish(models.ActivitySuspectScoreUpdated, suspect.Service,
		"Feedback recorded for "+suspect.Key,
		map[string]string{"incident_id": incidentID, "suspect_id": suspect.ID})
	c.JSON(http.StatusCreated, label)
}

// handleRerun schedules a fresh RCA pass and returns immediately.
func (s *Server) handleRerun(c *gin.Context) {
	incidentID := c.Param("id")
	if _, err := s.store.GetIncident(c.Request.Context(), incidentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		s.logger.Error("get incident failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	s.runner.Rerun(incidentID)
	c.JSON(http.StatusAccepted, gin.H{"incident_id": incidentID, "status": "scheduled"})
}

// handleTrain runs a synchronous retraining pass.
func (s *Server) handleTrain(c *gin.Context) {
	if err := s.trainer.TrainOnce(c.Request.Context()); err != nil {
		s.logger.Error("training failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "training failed"})
		return
	}
	active, err := s.store.ActiveModel(c.Request.Context())
	if err != nil {
		s.logger.Error("load active model failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if active == nil {
		c.JSON(http.StatusOK, gin.H{"mode": "heuristic"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":       "learned",
		"version":    active.Version,
		"trained_on": active.TrainedOn,
	})
}

// handleActivity serves the pull side of the feed: everything after a cursor.
func (s *Server) handleActivity(c *gin.Context) {
	since := uint64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a cursor value"})
			return
		}
		since = parsed
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	events := s.feed.Since(since, limit)
	c.JSON(http.StatusOK, gin.H{"events": events, "cursor": s.feed.Cursor()})
}

// handleActivityStream pushes feed events over a websocket until the client
// goes away.
func (s *Server) handleActivityStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.feed.Subscribe()
	defer cancel()

	// Reader goroutine notices the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"rca_p95_ms":    s.runner.RunLatency(95).Milliseconds(),
		"activity_tail": s.feed.Cursor(),
	})
}

func validateMetricSample(sample models.MetricSample) error {
	if sample.Service == "" || sample.Metric == "" {
		return errors.New("service and metric are required")
	}
	if sample.Timestamp.IsZero() {
		return errors.New("ts is required")
	}
	if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
		return errors.New("value must be finite")
	}
	return nil
}

func validateChangeEvent(event models.ChangeEvent) error {
	if !event.Type.Valid() {
		return errors.New("type must be deployment, config_change, or flag_change")
	}
	if event.Timestamp.IsZero() {
		return errors.New("ts is required")
	}
	if event.Service == "" && event.Type != models.ChangeFlag {
		return errors.New("service is required except for global flag changes")
	}
	return nil
}
