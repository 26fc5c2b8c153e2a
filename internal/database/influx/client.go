// Package influx writes share and job time series to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gompcore/internal/jobs"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
	}

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.Health(healthCtx); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// Errors exposes asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Close flushes pending points and closes the client.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return nil
}

// WriteShare records one share attempt.
func (c *Client) WriteShare(ev *jobs.ShareEvent) {
	c.writeAPI.WritePoint(SharePoint(ev))
}

// WriteJob records a job broadcast.
func (c *Client) WriteJob(jobID string, height int64, difficulty float64, clean bool, at time.Time) {
	c.writeAPI.WritePoint(JobPoint(jobID, height, difficulty, clean, at))
}

// SharePoint builds the "shares" point for ev. Rejections are tagged with
// their reason and carry no share difficulty.
func SharePoint(ev *jobs.ShareEvent) *write.Point {
	tags := map[string]string{
		"worker": ev.Worker,
		"valid":  strconv.FormatBool(ev.Accepted()),
		"block":  strconv.FormatBool(ev.IsBlock()),
	}
	fields := map[string]any{
		"difficulty": ev.Difficulty,
		"count":      1,
	}

	if ev.Accepted() {
		if v, err := strconv.ParseFloat(ev.ShareDiff, 64); err == nil {
			fields["share_difficulty"] = v
		}
		fields["network_difficulty"] = ev.BlockDiffActual
		fields["height"] = ev.Height
	} else {
		tags["reason"] = ev.Error
	}

	return write.NewPoint("shares", tags, fields, ev.SubmittedAt)
}

// JobPoint builds the "jobs" point for a broadcast.
func JobPoint(jobID string, height int64, difficulty float64, clean bool, at time.Time) *write.Point {
	tags := map[string]string{
		"clean": strconv.FormatBool(clean),
	}
	fields := map[string]any{
		"job_id":     jobID,
		"height":     height,
		"difficulty": difficulty,
	}
	return write.NewPoint("jobs", tags, fields, at)
}

// GetShareStats sums accepted and rejected shares of worker over duration.
func (c *Client) GetShareStats(ctx context.Context, worker string, duration time.Duration) (*ShareStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "shares")
		|> filter(fn: (r) => r.worker == "%s")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["valid"])
		|> sum()
	`, c.bucket, duration.String(), worker)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer func() { _ = result.Close() }()

	stats := &ShareStats{}
	for result.Next() {
		record := result.Record()
		if count, ok := record.Value().(int64); ok {
			if record.ValueByKey("valid") == "true" {
				stats.ValidShares = count
			} else {
				stats.InvalidShares = count
			}
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	stats.TotalShares = stats.ValidShares + stats.InvalidShares
	if stats.TotalShares > 0 {
		stats.ValidPercent = float64(stats.ValidShares) / float64(stats.TotalShares) * 100
	}

	return stats, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// ShareStats represents aggregated share statistics
type ShareStats struct {
	TotalShares   int64   `json:"total_shares"`
	ValidShares   int64   `json:"valid_shares"`
	InvalidShares int64   `json:"invalid_shares"`
	ValidPercent  float64 `json:"valid_percent"`
}
