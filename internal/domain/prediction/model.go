package prediction

import (
	"errors"
	"time"
)

// Common errors returned by the prediction service.
var (
	ErrNotFound     = errors.New("prediction not found")
	ErrInvalidInput = errors.New("invalid prediction input")
	ErrForbidden    = errors.New("prediction belongs to another user")
)

// Recognized prediction sources.
const (
	SourceManual = "manual"
	SourcePDF    = "pdf"
	SourceCSV    = "csv"
	SourceImage  = "image"
)

var validSources = map[string]bool{
	SourceManual: true,
	SourcePDF:    true,
	SourceCSV:    true,
	SourceImage:  true,
}

// Prediction is one stored disease-risk prediction. Rows are immutable once
// written; the ledger entry hashed over this payload is what makes any later
// change detectable.
type Prediction struct {
	ID               string                 `json:"id"`
	UserID           string                 `json:"user_id"`
	Timestamp        time.Time              `json:"timestamp"`
	Source           string                 `json:"source"`
	InputFeatures    map[string]interface{} `json:"input_features"`
	PredictionResult map[string]interface{} `json:"prediction_result"`
	CreatedAt        time.Time              `json:"created_at"`
}

// RecordInput carries a new prediction into the service. Timestamp is
// optional; the service stamps the current time when absent.
type RecordInput struct {
	UserID           string
	Timestamp        *time.Time
	Source           string
	InputFeatures    map[string]interface{}
	PredictionResult map[string]interface{}
}

// RiskLevels buckets predictions by their highest class probability.
type RiskLevels struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// DashboardStats aggregates a user's prediction history.
type DashboardStats struct {
	TotalPredictions    int            `json:"total_predictions"`
	DiseaseDistribution map[string]int `json:"disease_distribution"`
	RiskLevels          RiskLevels     `json:"risk_levels"`
	AbnormalFeatures    map[string]int `json:"abnormal_features_summary"`
}
