package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mediguard/mediguard/internal/domain/prediction"
)

func TestPredictionRoundTrip(t *testing.T) {
	ctx := context.Background()
	resetTables(t, ctx)
	predSvc, chainSvc := newStack(t)

	p, entry := recordPrediction(t, ctx, predSvc, "u-1", "Heart Disease", 0.91)

	stored, err := predSvc.Get(ctx, p.ID, "u-1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.UserID != "u-1" || stored.Source != prediction.SourceManual {
		t.Errorf("unexpected stored prediction: %+v", stored)
	}
	if !stored.Timestamp.Equal(p.Timestamp) {
		t.Errorf("timestamp changed in storage: %v vs %v", stored.Timestamp, p.Timestamp)
	}
	if stored.PredictionResult["predicted_disease"] != "Heart Disease" {
		t.Errorf("result payload changed in storage: %v", stored.PredictionResult)
	}
	// JSONB numbers come back as float64, which the canonical encoder depends on.
	probs, ok := stored.PredictionResult["probabilities"].(map[string]interface{})
	if !ok {
		t.Fatalf("probabilities shape changed: %T", stored.PredictionResult["probabilities"])
	}
	if v, ok := probs["Heart Disease"].(float64); !ok || v != 0.91 {
		t.Errorf("expected probability 0.91 as float64, got %v (%T)", probs["Heart Disease"], probs["Heart Disease"])
	}

	linked, err := chainSvc.GetByPrediction(ctx, p.ID)
	if err != nil {
		t.Fatalf("get chain entry: %v", err)
	}
	if linked.ID != entry.ID || linked.CurrentHash != entry.CurrentHash {
		t.Errorf("ledger entry mismatch: %+v vs %+v", linked, entry)
	}
}

func TestPredictionAccessControl(t *testing.T) {
	ctx := context.Background()
	resetTables(t, ctx)
	predSvc, _ := newStack(t)

	p, _ := recordPrediction(t, ctx, predSvc, "u-1", "Heart Disease", 0.8)

	if _, err := predSvc.Get(ctx, p.ID, "u-2", false); !errors.Is(err, prediction.ErrForbidden) {
		t.Errorf("expected ErrForbidden for another user, got %v", err)
	}
	if _, err := predSvc.Get(ctx, p.ID, "u-2", true); err != nil {
		t.Errorf("expected admin access, got %v", err)
	}
}

func TestListByUserOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	resetTables(t, ctx)
	predSvc, _ := newStack(t)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		p, _, err := predSvc.Record(ctx, prediction.RecordInput{
			UserID:        "u-1",
			Timestamp:     &ts,
			InputFeatures: map[string]interface{}{"age": 50.0},
			PredictionResult: map[string]interface{}{
				"predicted_disease": "Heart Disease",
				"probabilities":     map[string]interface{}{"Heart Disease": 0.8},
			},
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		ids = append(ids, p.ID)
	}
	recordPrediction(t, ctx, predSvc, "u-2", "Diabetes", 0.6)

	page, total, err := predSvc.ListByUser(ctx, "u-1", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 {
		t.Errorf("expected total 3, got %d", total)
	}
	if len(page) != 2 || page[0].ID != ids[2] || page[1].ID != ids[1] {
		t.Errorf("expected newest first [%s %s], got %+v", ids[2], ids[1], page)
	}

	page, _, err = predSvc.ListByUser(ctx, "u-1", 2, 2)
	if err != nil {
		t.Fatalf("list offset: %v", err)
	}
	if len(page) != 1 || page[0].ID != ids[0] {
		t.Errorf("expected oldest entry on last page, got %+v", page)
	}
}

func TestDashboardStatsAggregatesOverSQL(t *testing.T) {
	ctx := context.Background()
	resetTables(t, ctx)
	predSvc, _ := newStack(t)

	record := func(userID, disease string, probs, expl map[string]interface{}) {
		t.Helper()
		result := map[string]interface{}{
			"predicted_disease": disease,
			"probabilities":     probs,
		}
		if expl != nil {
			result["explainability_json"] = expl
		}
		_, _, err := predSvc.Record(ctx, prediction.RecordInput{
			UserID:           userID,
			InputFeatures:    map[string]interface{}{"age": 63.0},
			PredictionResult: result,
		})
		if err != nil {
			t.Fatalf("record for stats: %v", err)
		}
	}

	record("u-1", "Heart Disease",
		map[string]interface{}{"Heart Disease": 0.91, "No Disease": 0.09},
		map[string]interface{}{"chol": 0.42, "bp": 0.05})
	record("u-1", "Heart Disease",
		map[string]interface{}{"Heart Disease": 0.52, "No Disease": 0.48},
		map[string]interface{}{"chol": -0.3})
	record("u-1", "Diabetes",
		map[string]interface{}{"Diabetes": 0.45, "No Disease": 0.2}, nil)
	record("u-2", "Diabetes",
		map[string]interface{}{"Diabetes": 0.99}, nil)

	stats, err := predSvc.DashboardStats(ctx, "u-1")
	if err != nil {
		t.Fatalf("dashboard stats: %v", err)
	}

	if stats.TotalPredictions != 3 {
		t.Errorf("expected 3 predictions, got %d", stats.TotalPredictions)
	}
	if stats.DiseaseDistribution["Heart Disease"] != 2 || stats.DiseaseDistribution["Diabetes"] != 1 {
		t.Errorf("unexpected distribution: %v", stats.DiseaseDistribution)
	}
	if stats.RiskLevels.High != 1 || stats.RiskLevels.Medium != 1 || stats.RiskLevels.Low != 1 {
		t.Errorf("unexpected risk levels: %+v", stats.RiskLevels)
	}
	if stats.AbnormalFeatures["chol"] != 2 {
		t.Errorf("expected chol counted twice, got %v", stats.AbnormalFeatures)
	}
	if _, ok := stats.AbnormalFeatures["bp"]; ok {
		t.Errorf("bp attribution below threshold should not count: %v", stats.AbnormalFeatures)
	}
}
