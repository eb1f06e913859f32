package burnmetrics

import "time"

// Config holds the connection settings for the burn-rate metrics source.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultConfig returns sane local-dev defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:9400",
		Timeout:    10 * time.Second,
		MaxRetries: 2,
	}
}

// WindowBurn is one rolling-window burn measurement for an SLO.
type WindowBurn struct {
	SLO      string        `json:"slo"`
	Window   string        `json:"window"`
	Duration time.Duration `json:"-"`
	BurnPct  float64       `json:"burn_pct"` // percent of the error budget consumed in the window
	From     time.Time     `json:"from"`
	To       time.Time     `json:"to"`
}

type windowBurnResponse struct {
	SLO     string       `json:"slo"`
	Windows []WindowBurn `json:"windows"`
}

// ErrorResponse is the metrics source's structured error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	RequestID string `json:"request_id"`
}
