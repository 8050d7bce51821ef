package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/caskade-dev/caskade/internal/typ"
)

// RequestRecord is one row per externally-observed client request. Created
// when the dispatcher commits to forwarding; finalised exactly once more when
// the upstream response completes or errors.
type RequestRecord struct {
	ID             string `gorm:"primaryKey;column:id"`
	Timestamp      int64  `gorm:"column:timestamp;index;not null"`
	Method         string `gorm:"column:method"`
	Path           string `gorm:"column:path"`
	AccountID      string `gorm:"column:account_id;index"`
	StatusCode     int    `gorm:"column:status_code"`
	ResponseTimeMs int64  `gorm:"column:response_time_ms"`
	Error          string `gorm:"column:error"`

	InputTokens              int     `gorm:"column:input_tokens"`
	OutputTokens             int     `gorm:"column:output_tokens"`
	CacheReadInputTokens     int     `gorm:"column:cache_read_input_tokens"`
	CacheCreationInputTokens int     `gorm:"column:cache_creation_input_tokens"`
	TotalTokens              int     `gorm:"column:total_tokens"`
	CostUSD                  float64 `gorm:"column:cost_usd"`
	Model                    string  `gorm:"column:model;index"`
}

// TableName specifies the table name for GORM
func (RequestRecord) TableName() string {
	return "requests"
}

// RequestStore persists request rows and serves usage aggregation.
type RequestStore struct {
	db *gorm.DB
}

// NewRequestStore creates a store over an opened database.
func NewRequestStore(gdb *gorm.DB) *RequestStore {
	return &RequestStore{db: gdb}
}

// Create inserts a new request row and returns its id.
func (s *RequestStore) Create(method, path, accountID string) (string, error) {
	rec := &RequestRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Method:    method,
		Path:      path,
		AccountID: accountID,
	}
	if err := s.db.Create(rec).Error; err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Finalize applies the one post-completion update: observed status, timing,
// error text, and whatever usage the recorder collected.
func (s *RequestStore) Finalize(id string, statusCode int, responseTime time.Duration, errText string, usage typ.UsageStat) error {
	return s.db.Model(&RequestRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status_code":                 statusCode,
		"response_time_ms":            responseTime.Milliseconds(),
		"error":                       errText,
		"input_tokens":                usage.InputTokens,
		"output_tokens":               usage.OutputTokens,
		"cache_read_input_tokens":     usage.CacheReadInputTokens,
		"cache_creation_input_tokens": usage.CacheCreationInputTokens,
		"total_tokens":                usage.TotalTokens(),
		"cost_usd":                    usage.CostUSD,
		"model":                       usage.Model,
	}).Error
}

// RecordFailure inserts an already-final row for a request that never
// committed to an upstream response. accountID is the last account attempted,
// or typ.NoAccountID when no candidate existed.
func (s *RequestStore) RecordFailure(method, path, accountID string, statusCode int, errText string) error {
	if accountID == "" {
		accountID = typ.NoAccountID
	}
	rec := &RequestRecord{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UnixMilli(),
		Method:     method,
		Path:       path,
		AccountID:  accountID,
		StatusCode: statusCode,
		Error:      errText,
	}
	return s.db.Create(rec).Error
}

// Recent returns the latest request rows, newest first.
func (s *RequestStore) Recent(limit int) ([]RequestRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []RequestRecord
	err := s.db.Order("timestamp DESC").Limit(limit).Find(&records).Error
	return records, err
}

// ClearHistory deletes all request rows.
func (s *RequestStore) ClearHistory() error {
	return s.db.Where("1 = 1").Delete(&RequestRecord{}).Error
}

// DeleteOlderThan prunes request rows before the cutoff.
func (s *RequestStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res := s.db.Where("timestamp < ?", cutoff.UnixMilli()).Delete(&RequestRecord{})
	return res.RowsAffected, res.Error
}

// UsageSummary is one aggregation bucket from Analyze.
type UsageSummary struct {
	Key           string  `json:"key"`
	RequestCount  int64   `json:"request_count"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	CostUSD       float64 `json:"cost_usd"`
	ErrorCount    int64   `json:"error_count"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	LastTimestamp int64   `json:"last_timestamp"`
}

// Analyze aggregates request rows grouped by "account", "model", or "daily".
func (s *RequestStore) Analyze(groupBy string, since time.Time) ([]UsageSummary, error) {
	var keyField string
	switch groupBy {
	case "account":
		keyField = "account_id"
	case "daily":
		keyField = "date(timestamp / 1000, 'unixepoch')"
	default: // model
		keyField = "model"
	}

	query := s.db.Model(&RequestRecord{})
	if !since.IsZero() {
		query = query.Where("timestamp >= ?", since.UnixMilli())
	}

	var results []UsageSummary
	err := query.Select(keyField + ` as key,
		COUNT(*) as request_count,
		COALESCE(SUM(input_tokens), 0) as input_tokens,
		COALESCE(SUM(output_tokens), 0) as output_tokens,
		COALESCE(SUM(total_tokens), 0) as total_tokens,
		COALESCE(SUM(cost_usd), 0) as cost_usd,
		COALESCE(SUM(CASE WHEN status_code >= 400 OR error != '' THEN 1 ELSE 0 END), 0) as error_count,
		COALESCE(AVG(response_time_ms), 0) as avg_latency_ms,
		COALESCE(MAX(timestamp), 0) as last_timestamp`).
		Group(keyField).
		Order("total_tokens DESC").
		Scan(&results).Error
	return results, err
}
