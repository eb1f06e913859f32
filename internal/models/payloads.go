package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Campaign metrics and job payloads are stored as JSON text columns, but
// each producer writes a tagged variant so the blob stays checkable.

const (
	MetricsOriginAutoplan = "roi_autoplan"
	MetricsOriginManual   = "manual"
)

// CampaignMetrics is the provenance blob on a campaign row.
type CampaignMetrics struct {
	Origin string `json:"origin"`

	// roi_autoplan origin
	Action     string   `json:"action,omitempty"`
	Score      float64  `json:"score,omitempty"`
	Net30d     *float64 `json:"net_30d,omitempty"`
	RoiPct     *float64 `json:"roi_pct,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
	WindowDays int      `json:"window_days,omitempty"`
	PlanReason string   `json:"plan_reason,omitempty"`

	// manual origin
	Note string `json:"note,omitempty"`
}

// Validate checks the variant invariants for the declared origin.
func (m *CampaignMetrics) Validate() error {
	switch m.Origin {
	case MetricsOriginAutoplan:
		if m.Action == "" {
			return fmt.Errorf("autoplan metrics require an action")
		}
		if m.Score < 0 || m.Score > 100 {
			return fmt.Errorf("autoplan metrics score out of range: %v", m.Score)
		}
		return nil
	case MetricsOriginManual:
		return nil
	default:
		return fmt.Errorf("unknown metrics origin: %q", m.Origin)
	}
}

// Encode marshals the metrics blob after validation.
func (m *CampaignMetrics) Encode() (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal campaign metrics: %w", err)
	}
	return string(b), nil
}

// DecodeCampaignMetrics parses and validates a stored metrics column.
func DecodeCampaignMetrics(s string) (*CampaignMetrics, error) {
	if s == "" {
		return nil, fmt.Errorf("empty campaign metrics")
	}
	var m CampaignMetrics
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal campaign metrics: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LaunchJobPayload is the payload of a create_promotion_plan promotion job.
type LaunchJobPayload struct {
	CampaignID  uint              `json:"campaign_id"`
	Channels    []string          `json:"channels"`
	LaunchedBy  uint              `json:"launched_by"`
	Force       bool              `json:"force"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
	QueueJobID  *uint             `json:"queue_job_id,omitempty"`
}

// Encode marshals the launch payload.
func (p *LaunchJobPayload) Encode() (string, error) {
	if p.CampaignID == 0 {
		return "", fmt.Errorf("launch payload requires a campaign id")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal launch payload: %w", err)
	}
	return string(b), nil
}

// DecodeLaunchJobPayload parses a stored promotion job payload.
func DecodeLaunchJobPayload(s string) (*LaunchJobPayload, error) {
	var p LaunchJobPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("unmarshal launch payload: %w", err)
	}
	if p.CampaignID == 0 {
		return nil, fmt.Errorf("launch payload missing campaign id")
	}
	return &p, nil
}

// QueueJobPayload is the payload of the generic content-queue job that
// carries a promotion job to the workers.
type QueueJobPayload struct {
	PromotionJobID uint `json:"promotion_job_id"`
	CampaignID     uint `json:"campaign_id"`
}

// Encode marshals the queue payload.
func (p *QueueJobPayload) Encode() (string, error) {
	if p.PromotionJobID == 0 {
		return "", fmt.Errorf("queue payload requires a promotion job id")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal queue payload: %w", err)
	}
	return string(b), nil
}

// OverridePayload is the requested override carried on an OverrideRequest
// row until a privileged actor decides it.
type OverridePayload struct {
	WarningBurnPct                 *float64 `json:"warning_burn_pct,omitempty"`
	CriticalBurnPct                *float64 `json:"critical_burn_pct,omitempty"`
	RecoveryHealthyWindowsRequired *int     `json:"recovery_healthy_windows_required,omitempty"`
	BlockedChannels                []string `json:"blocked_channels,omitempty"`
	BlockedActions                 []string `json:"blocked_actions,omitempty"`
}

// Empty reports whether no override field is set.
func (p *OverridePayload) Empty() bool {
	return p.WarningBurnPct == nil && p.CriticalBurnPct == nil &&
		p.RecoveryHealthyWindowsRequired == nil &&
		len(p.BlockedChannels) == 0 && len(p.BlockedActions) == 0
}

// Encode marshals the override payload.
func (p *OverridePayload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal override payload: %w", err)
	}
	return string(b), nil
}

// DecodeOverridePayload parses a stored override request payload.
func DecodeOverridePayload(s string) (*OverridePayload, error) {
	var p OverridePayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("unmarshal override payload: %w", err)
	}
	return &p, nil
}
