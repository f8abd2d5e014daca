package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mrmushfiq/api-gateway/internal/shared/models"
)

// Analytics aggregates persisted logs with a timestamp at or after since
func (db *DB) Analytics(ctx context.Context, since time.Time) (*models.Analytics, error) {
	a := &models.Analytics{
		RequestsOverTime: []models.HourlyCount{},
		TopEndpoints:     []models.PathCount{},
		TopUsers:         []models.UserCount{},
		RecentErrors:     []models.RecentError{},
	}

	totalsQuery := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status_code < 400),
		       COUNT(*) FILTER (WHERE status_code >= 200 AND status_code < 300),
		       COUNT(*) FILTER (WHERE status_code >= 400 AND status_code < 500),
		       COUNT(*) FILTER (WHERE status_code >= 500 AND status_code < 600)
		FROM gateway_logs
		WHERE timestamp_utc >= $1
	`
	err := db.conn.QueryRowContext(ctx, totalsQuery, since).Scan(
		&a.TotalRequests,
		&a.SuccessfulRequests,
		&a.StatusCodeCounts.Success,
		&a.StatusCodeCounts.ClientError,
		&a.StatusCodeCounts.ServerError,
	)
	if err != nil {
		return nil, fmt.Errorf("analytics totals: %w", err)
	}
	a.TotalErrors = a.TotalRequests - a.SuccessfulRequests

	hourlyQuery := `
		SELECT date_trunc('hour', timestamp_utc) AS hour, COUNT(*)
		FROM gateway_logs
		WHERE timestamp_utc >= $1
		GROUP BY hour
		ORDER BY hour
	`
	rows, err := db.conn.QueryContext(ctx, hourlyQuery, since)
	if err != nil {
		return nil, fmt.Errorf("analytics hourly: %w", err)
	}
	for rows.Next() {
		var hour time.Time
		var count int64
		if err := rows.Scan(&hour, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("analytics hourly scan: %w", err)
		}
		a.RequestsOverTime = append(a.RequestsOverTime, models.HourlyCount{Hour: hour.UTC().Format("15:04"), Count: count})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analytics hourly: %w", err)
	}

	endpointsQuery := `
		SELECT request_path, COUNT(*) AS count
		FROM gateway_logs
		WHERE timestamp_utc >= $1
		GROUP BY request_path
		ORDER BY count DESC
		LIMIT 5
	`
	rows, err = db.conn.QueryContext(ctx, endpointsQuery, since)
	if err != nil {
		return nil, fmt.Errorf("analytics endpoints: %w", err)
	}
	for rows.Next() {
		var pc models.PathCount
		if err := rows.Scan(&pc.RequestPath, &pc.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("analytics endpoints scan: %w", err)
		}
		a.TopEndpoints = append(a.TopEndpoints, pc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analytics endpoints: %w", err)
	}

	usersQuery := `
		SELECT user_id, COUNT(*) AS count
		FROM gateway_logs
		WHERE timestamp_utc >= $1
		GROUP BY user_id
		ORDER BY count DESC
		LIMIT 5
	`
	rows, err = db.conn.QueryContext(ctx, usersQuery, since)
	if err != nil {
		return nil, fmt.Errorf("analytics users: %w", err)
	}
	for rows.Next() {
		var uc models.UserCount
		if err := rows.Scan(&uc.UserID, &uc.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("analytics users scan: %w", err)
		}
		a.TopUsers = append(a.TopUsers, uc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analytics users: %w", err)
	}

	errorsQuery := `
		SELECT id, timestamp_utc, request_path, status_code
		FROM gateway_logs
		WHERE timestamp_utc >= $1 AND status_code >= 400
		ORDER BY timestamp_utc DESC
		LIMIT 10
	`
	rows, err = db.conn.QueryContext(ctx, errorsQuery, since)
	if err != nil {
		return nil, fmt.Errorf("analytics errors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var re models.RecentError
		if err := rows.Scan(&re.ID, &re.TimestampUTC, &re.RequestPath, &re.StatusCode); err != nil {
			return nil, fmt.Errorf("analytics errors scan: %w", err)
		}
		a.RecentErrors = append(a.RecentErrors, re)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analytics errors: %w", err)
	}

	return a, nil
}
