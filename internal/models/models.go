package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Growth channels the portfolio currently publishes to.
const (
	ChannelPinterest     = "pinterest"
	ChannelYouTubeShorts = "youtube_shorts"
)

// Autoplan actions, ordered roughly by aggressiveness.
const (
	ActionScale    = "scale"
	ActionOptimize = "optimize"
	ActionRecover  = "recover"
	ActionIncubate = "incubate"
)

// User is the minimal actor model used for governance decisions.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Username  string         `gorm:"unique;not null" json:"username"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	Role      string         `gorm:"default:'viewer'" json:"role"` // viewer, operator, sre, admin
	Status    string         `gorm:"default:'active'" json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// DomainResearch is the research dossier for a portfolio domain. Campaigns
// always hang off a research record, never off the raw domain string.
type DomainResearch struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	DomainID       uint           `gorm:"index" json:"domain_id"`
	Domain         string         `gorm:"uniqueIndex;not null" json:"domain"`
	Decision       string         `gorm:"default:'pending'" json:"decision"` // pending, build, hold, drop
	HardFailReason string         `json:"hard_fail_reason"`
	Notes          string         `gorm:"type:text" json:"notes"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// ChannelProfile records per-domain channel enablement and compatibility.
type ChannelProfile struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	DomainID      uint      `gorm:"index:idx_channel_profile,unique" json:"domain_id"`
	Channel       string    `gorm:"index:idx_channel_profile,unique" json:"channel"`
	Enabled       bool      `gorm:"default:true" json:"enabled"`
	Compatibility string    `gorm:"default:'ok'" json:"compatibility"` // ok, limited, blocked
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Campaign is a marketing campaign for one researched domain.
type Campaign struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	DomainResearchID uint           `gorm:"index" json:"domain_research_id"`
	Name             string         `gorm:"not null" json:"name"`
	Channels         string         `json:"channels"` // comma separated channel list
	Budget           float64        `json:"budget"`
	DailyCap         float64        `json:"daily_cap"`
	Status           string         `gorm:"default:'draft'" json:"status"` // draft, active, paused, completed, cancelled
	Metrics          string         `gorm:"type:text" json:"metrics"`      // tagged provenance blob, see payloads.go
	CreatedBy        uint           `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`

	DomainResearch DomainResearch `gorm:"foreignKey:DomainResearchID" json:"domain_research,omitempty"`
}

// ChannelList splits the comma separated Channels column.
func (c *Campaign) ChannelList() []string {
	if c.Channels == "" {
		return nil
	}
	parts := strings.Split(c.Channels, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// OpenCampaignStatuses are the statuses that count as "open" for the
// one-open-campaign-per-research rule.
var OpenCampaignStatuses = []string{"draft", "active", "paused"}

// PromotionJob is the durable dispatch unit for a campaign launch. At most
// one non-terminal row may exist per (job_type, campaign_id).
type PromotionJob struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	JobType     string    `gorm:"index:idx_promotion_dedup" json:"job_type"`
	CampaignID  uint      `gorm:"index:idx_promotion_dedup" json:"campaign_id"`
	Status      string    `gorm:"default:'pending'" json:"status"` // pending, processing, completed, failed, cancelled
	Priority    int       `gorm:"default:0" json:"priority"`
	Payload     string    `gorm:"type:text" json:"payload"`
	RequestedBy uint      `json:"requested_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobTypeCreatePromotionPlan is the dedup job type for launch dispatch.
const JobTypeCreatePromotionPlan = "create_promotion_plan"

// NonTerminalJobStatuses participate in launch deduplication.
var NonTerminalJobStatuses = []string{"pending", "processing"}

// ContentQueueJob is a row in the generic durable work queue consumed by the
// content pipeline workers.
type ContentQueueJob struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	JobType   string    `gorm:"index" json:"job_type"`
	Status    string    `gorm:"default:'pending'" json:"status"`
	Priority  int       `gorm:"default:0" json:"priority"`
	Payload   string    `gorm:"type:text" json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PromotionEvent is the append-only audit trail for campaign lifecycle and
// launch admission decisions.
type PromotionEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CampaignID uint      `gorm:"index" json:"campaign_id"`
	EventType  string    `gorm:"not null" json:"event_type"` // roi_auto_plan_created, launch_queued, launch_blocked, ...
	Detail     string    `gorm:"type:text" json:"detail"`
	ActorID    uint      `json:"actor_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReviewTask is a human approval checkpoint. Launch dispatch consults
// approved campaign_launch tasks when pre-publish review is required.
type ReviewTask struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	TaskType         string     `gorm:"index" json:"task_type"` // campaign_launch
	CampaignID       uint       `gorm:"index" json:"campaign_id"`
	DomainResearchID uint       `gorm:"index" json:"domain_research_id"`
	Status           string     `gorm:"default:'pending'" json:"status"` // pending, approved, rejected
	RequestedBy      uint       `json:"requested_by"`
	DecidedBy        *uint      `json:"decided_by"`
	DecisionNote     string     `json:"decision_note"`
	DueAt            time.Time  `json:"due_at"`
	EscalateAt       time.Time  `json:"escalate_at"`
	DecidedAt        *time.Time `json:"decided_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TaskTypeCampaignLaunch gates campaign launch dispatch.
const TaskTypeCampaignLaunch = "campaign_launch"

// FreezeOverride replaces a subset of the base freeze configuration while
// active. Owned by override governance; read-only to the evaluator.
type FreezeOverride struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	BaseConfig string `gorm:"type:text" json:"base_config"` // JSON snapshot of the config at apply time

	// Override fields; all optional, at least one must be set.
	WarningBurnPct                 *float64 `json:"warning_burn_pct"`
	CriticalBurnPct                *float64 `json:"critical_burn_pct"`
	RecoveryHealthyWindowsRequired *int     `json:"recovery_healthy_windows_required"`
	BlockedChannels                *string  `json:"blocked_channels"` // comma separated
	BlockedActions                 *string  `json:"blocked_actions"`  // comma separated

	Reason          string     `gorm:"not null" json:"reason"`
	ExpiresAt       *time.Time `json:"expires_at"`
	PostmortemURL   string     `json:"postmortem_url"`
	IncidentKey     string     `gorm:"index" json:"incident_key"`
	AppliedByUserID uint       `json:"applied_by_user_id"`
	ClearedAt       *time.Time `gorm:"index" json:"cleared_at"`
	ClearedByUserID *uint      `json:"cleared_by_user_id"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the override is in force at the given instant.
func (o *FreezeOverride) ActiveAt(now time.Time) bool {
	if o == nil || o.ClearedAt != nil {
		return false
	}
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// BlockedChannelList splits the optional blocked-channels column.
func (o *FreezeOverride) BlockedChannelList() []string {
	return splitOptionalCSV(o.BlockedChannels)
}

// BlockedActionList splits the optional blocked-actions column.
func (o *FreezeOverride) BlockedActionList() []string {
	return splitOptionalCSV(o.BlockedActions)
}

func splitOptionalCSV(s *string) []string {
	if s == nil || *s == "" {
		return nil
	}
	parts := strings.Split(*s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// OverrideRequest is a non-privileged actor's ask for an override. Approved
// requests mutate into an active FreezeOverride.
type OverrideRequest struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Payload         string     `gorm:"type:text" json:"payload"` // requested override fields, JSON
	Reason          string     `gorm:"not null" json:"reason"`
	RequestedByUser uint       `json:"requested_by_user_id"`
	RequestedByRole string     `json:"requested_by_role"`
	Status          string     `gorm:"default:'pending';index" json:"status"` // pending, approved, rejected, expired
	DecisionReason  string     `json:"decision_reason"`
	DecidedByUserID *uint      `json:"decided_by_user_id"`
	DecidedAt       *time.Time `json:"decided_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	OverrideID      *uint      `json:"override_id"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// OverrideAudit journals every override apply/clear.
type OverrideAudit struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Action     string    `gorm:"not null" json:"action"` // applied, cleared
	OverrideID uint      `gorm:"index" json:"override_id"`
	ActorID    uint      `json:"actor_id"`
	Reason     string    `json:"reason"`
	Detail     string    `gorm:"type:text" json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// FreezeIncident records a blocked launch episode that requires a
// postmortem. Deduplicated per freeze episode via EpisodeKey.
type FreezeIncident struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	IncidentKey           string     `gorm:"uniqueIndex;not null" json:"incident_key"`
	EpisodeKey            string     `gorm:"index" json:"episode_key"`
	Level                 string     `json:"level"`
	ReasonCodes           string     `json:"reason_codes"` // comma separated
	Scope                 string     `gorm:"type:text" json:"scope"`
	RequiresPostmortem    bool       `gorm:"default:true" json:"requires_postmortem"`
	PostmortemURL         string     `json:"postmortem_url"`
	PostmortemCompletedAt *time.Time `json:"postmortem_completed_at"`
	PostmortemCompletedBy *uint      `json:"postmortem_completed_by"`
	Notes                 string     `gorm:"type:text" json:"notes"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// FreezeControllerState is the single versioned row carrying recovery
// hysteresis between evaluations. Updated only with conditional writes.
type FreezeControllerState struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	RawActive              bool       `json:"raw_active"`
	Level                  string     `gorm:"default:'healthy'" json:"level"`
	EpisodeKey             string     `json:"episode_key"`
	RecoveryHealthyWindows int        `json:"recovery_healthy_windows"`
	LastHealthyAt          *time.Time `json:"last_healthy_at"`
	LastEvaluatedAt        time.Time  `json:"last_evaluated_at"`
	Version                int64      `gorm:"default:0" json:"version"`
}

// DomainFinanceDaily is the per-domain daily finance rollup feeding the ROI
// signal aggregator. Written by the ledger importer, read-only here.
type DomainFinanceDaily struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	DomainID uint      `gorm:"index:idx_finance_domain_date,unique" json:"domain_id"`
	Domain   string    `gorm:"index" json:"domain"`
	Date     time.Time `gorm:"index:idx_finance_domain_date,unique" json:"date"`
	Revenue  float64   `json:"revenue"`
	Spend    float64   `json:"spend"`
	Net      float64   `json:"net"`
	Sessions int       `json:"sessions"`

	CreatedAt time.Time `json:"created_at"`
}
