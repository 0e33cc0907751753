package config

import (
	"fmt"
	"strings"
)

// ValidationErrors collects every config problem so operators see them
// all at once instead of one per restart.
type ValidationErrors struct {
	Problems []string
}

func (e *ValidationErrors) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationErrors) HasErrors() bool {
	return len(e.Problems) > 0
}

func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, p := range e.Problems {
		sb.WriteString("  - " + p + "\n")
	}
	return sb.String()
}

func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.Auth.ClientID == "" || c.Auth.ClientSecret == "" || c.Auth.RefreshToken == "" {
		errs.add("broker credentials are required (set TRADESTATION_CLIENT_ID, TRADESTATION_CLIENT_SECRET, TRADESTATION_REFRESH_TOKEN)")
	}
	if c.Ingest.Underlying == "" {
		errs.add("ingest.underlying is required")
	}
	if c.Ingest.Expirations < 1 {
		errs.add("ingest.expirations must be >= 1, got %d", c.Ingest.Expirations)
	}
	if c.Ingest.StrikeDistance <= 0 {
		errs.add("ingest.strike_distance must be positive, got %g", c.Ingest.StrikeDistance)
	}
	if c.Ingest.BucketSeconds < 1 {
		errs.add("ingest.aggregation_bucket_seconds must be >= 1, got %d", c.Ingest.BucketSeconds)
	}
	if c.Ingest.MaxBufferSize < 1 {
		errs.add("ingest.max_buffer_size must be >= 1, got %d", c.Ingest.MaxBufferSize)
	}
	if c.Ingest.OptionBatchSize < 1 {
		errs.add("ingest.option_batch_size must be >= 1, got %d", c.Ingest.OptionBatchSize)
	}
	if c.Broker.RetryAttempts < 1 {
		errs.add("broker.retry_attempts must be >= 1, got %d", c.Broker.RetryAttempts)
	}
	if c.Broker.RetryBackoff < 1 {
		errs.add("broker.retry_backoff must be >= 1, got %g", c.Broker.RetryBackoff)
	}
	if c.Quant.IVMin <= 0 || c.Quant.IVMax <= c.Quant.IVMin {
		errs.add("quant IV range is invalid: [%g, %g]", c.Quant.IVMin, c.Quant.IVMax)
	}
	if c.Quant.DefaultIV < c.Quant.IVMin || c.Quant.DefaultIV > c.Quant.IVMax {
		errs.add("quant.implied_volatility_default %g outside [%g, %g]", c.Quant.DefaultIV, c.Quant.IVMin, c.Quant.IVMax)
	}
	if c.Analytics.IntervalSec < 1 {
		errs.add("analytics.interval must be >= 1, got %d", c.Analytics.IntervalSec)
	}
	if c.Notify.Enabled && c.Notify.Topic == "" {
		errs.add("notify.topic is required when notify.enabled is true")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
