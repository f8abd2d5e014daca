package models

import "time"

// DefaultRequestsPerMinute is applied to credentials issued without an explicit limit
const DefaultRequestsPerMinute = 100

// Credential represents an issued gateway API key. Only the bcrypt hash of the
// secret half is ever stored.
type Credential struct {
	ID                string
	UserID            string
	PublicID          string
	HashedSecret      string
	IsActive          bool
	CreatedAt         time.Time
	ExpiresAt         *time.Time
	RequestsPerMinute int
}

// Expired reports whether the credential's expiry has elapsed at now
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// LogEvent is one audited gateway request
type LogEvent struct {
	ID           string    `json:"id"`
	TimestampUTC time.Time `json:"timestamp_utc"`
	UserID       string    `json:"user_id"`
	Method       string    `json:"method"`
	RequestPath  string    `json:"request_path"`
	StatusCode   int       `json:"status_code"`
}

// StatusCodeCounts buckets requests by status class
type StatusCodeCounts struct {
	Success     int64 `json:"2xx"`
	ClientError int64 `json:"4xx"`
	ServerError int64 `json:"5xx"`
}

// HourlyCount is the number of requests that started in one hour
type HourlyCount struct {
	Hour  string `json:"hour"`
	Count int64  `json:"count"`
}

// PathCount is a request path with its request count
type PathCount struct {
	RequestPath string `json:"request_path"`
	Count       int64  `json:"count"`
}

// UserCount is a user with its request count
type UserCount struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
}

// RecentError is a failed request shown on the dashboard
type RecentError struct {
	ID           string    `json:"id"`
	TimestampUTC time.Time `json:"timestamp_utc"`
	RequestPath  string    `json:"request_path"`
	StatusCode   int       `json:"status_code"`
}

// Analytics is the aggregated view over the last day of persisted logs
type Analytics struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	TotalErrors        int64            `json:"total_errors"`
	StatusCodeCounts   StatusCodeCounts `json:"status_code_counts"`
	RequestsOverTime   []HourlyCount    `json:"requests_over_time"`
	TopEndpoints       []PathCount      `json:"top_endpoints"`
	TopUsers           []UserCount      `json:"top_users"`
	RecentErrors       []RecentError    `json:"recent_errors"`
}
