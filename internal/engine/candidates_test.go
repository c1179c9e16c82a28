package engine

import (
	"context"
	"testing"
	"time"

	"github.com/miradorstack/mirador-causal/internal/config"
	"github.com/miradorstack/mirador-causal/internal/models"
	"github.com/miradorstack/mirador-causal/internal/store"
)

func engTS(min int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(min) * time.Minute)
}

func TestBuildCandidatesWindowAndDedup(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	events := []models.ChangeEvent{
		{ID: "d1", Type: models.ChangeDeployment, Service: "checkout", Timestamp: engTS(-150),
			Payload: models.ChangePayload{Version: "v1"}}, // outside 2h lookback
		{ID: "d2", Type: models.ChangeDeployment, Service: "checkout", Timestamp: engTS(-50),
			Payload: models.ChangePayload{Version: "v2"}},
		{ID: "d3", Type: models.ChangeDeployment, Service: "checkout", Timestamp: engTS(-10),
			Payload: models.ChangePayload{Version: "v2"}}, // rollout retry, same version
		{ID: "c1", Type: models.ChangeConfig, Service: "checkout", Timestamp: engTS(-30),
			Payload: models.ChangePayload{ConfigKey: "pool_size"}},
		{ID: "f1", Type: models.ChangeFlag, Service: "", Timestamp: engTS(-5),
			Payload: models.ChangePayload{FlagName: "new-cart"}},
		{ID: "d4", Type: models.ChangeDeployment, Service: "payments", Timestamp: engTS(-20),
			Payload: models.ChangePayload{Version: "v9"}}, // unrelated service
		{ID: "d5", Type: models.ChangeDeployment, Service: "checkout", Timestamp: engTS(5),
			Payload: models.ChangePayload{Version: "v3"}}, // after incident start, lookahead 0
	}
	for _, ev := range events {
		if err := st.AppendChangeEvent(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	builder := NewCandidateBuilder(config.CandidatesConfig{Lookback: 2 * time.Hour}, st)
	incident := models.Incident{ID: "inc-1", StartTS: engTS(0), Services: []string{"checkout"}}
	candidates, err := builder.Build(ctx, incident, engTS(60))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	keys := make(map[string]models.Candidate)
	for _, c := range candidates {
		keys[c.Key] = c
	}
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d: %v", len(candidates), keys)
	}
	dedup, ok := keys["deploy:checkout:v2"]
	if !ok {
		t.Fatalf("missing deployment candidate: %v", keys)
	}
	if !dedup.ChangeTS.Equal(engTS(-10)) {
		t.Fatalf("dedup should keep the occurrence closest to the incident, got %v", dedup.ChangeTS)
	}
	if _, ok := keys["cfg:checkout:pool_size"]; !ok {
		t.Fatalf("missing config candidate")
	}
	if _, ok := keys["flag:new-cart"]; !ok {
		t.Fatalf("unscoped flag change should be a candidate for every service")
	}
}

func TestBuildCandidatesLookahead(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	if err := st.AppendChangeEvent(ctx, models.ChangeEvent{
		ID: "d1", Type: models.ChangeDeployment, Service: "checkout",
		Timestamp: engTS(3), Payload: models.ChangePayload{Version: "v2"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	builder := NewCandidateBuilder(config.CandidatesConfig{
		Lookback: 2 * time.Hour, Lookahead: 10 * time.Minute,
	}, st)
	end := engTS(5)
	incident := models.Incident{
		ID: "inc-1", StartTS: engTS(0), EndTS: &end, Services: []string{"checkout"},
	}
	candidates, err := builder.Build(ctx, incident, engTS(60))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// Lookahead is clipped at the incident end, so the minute-3 deploy is in.
	if len(candidates) != 1 {
		t.Fatalf("expected the in-incident deploy, got %d", len(candidates))
	}
}
