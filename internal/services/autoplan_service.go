package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"growthgate/internal/config"
	"growthgate/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Base budget / daily cap per action, before score scaling.
var actionBudgets = map[string]struct {
	Budget   float64
	DailyCap float64
}{
	models.ActionScale:    {Budget: 300, DailyCap: 4},
	models.ActionOptimize: {Budget: 175, DailyCap: 2},
	models.ActionRecover:  {Budget: 80, DailyCap: 1},
	models.ActionIncubate: {Budget: 120, DailyCap: 1},
}

// PlanCandidate is one domain's evaluated plan in a preview.
type PlanCandidate struct {
	Domain           string   `json:"domain"`
	DomainID         uint     `json:"domain_id"`
	DomainResearchID uint     `json:"domain_research_id,omitempty"`
	Action           string   `json:"action"`
	Score            float64  `json:"score"`
	Net30d           *float64 `json:"net_30d,omitempty"`
	RoiPct           *float64 `json:"roi_pct,omitempty"`
	WindowDays       int      `json:"window_days"`
	Channels         []string `json:"channels,omitempty"`
	DroppedChannels  []string `json:"dropped_channels,omitempty"`

	RecommendedBudget   float64 `json:"recommended_budget"`
	RecommendedDailyCap float64 `json:"recommended_daily_cap"`

	Reasons     []string `json:"reasons,omitempty"`
	BlockReason string   `json:"block_reason,omitempty"`
}

// AutoplanPreview partitions candidates into creatable and blocked.
type AutoplanPreview struct {
	GeneratedAt         time.Time       `json:"generated_at"`
	WindowDays          int             `json:"window_days"`
	Creatable           []PlanCandidate `json:"creatable"`
	Blocked             []PlanCandidate `json:"blocked"`
	BlockedReasonCounts map[string]int  `json:"blocked_reason_counts"`
}

// PreviewRequest parameterizes preview generation.
type PreviewRequest struct {
	Limit      int      `form:"limit" json:"limit"`
	WindowDays int      `form:"window_days" json:"window_days"`
	Actions    []string `form:"actions" json:"actions"`
}

// ApplyRequest parameterizes an apply run. The preview is regenerated
// server-side from the same parameters so apply stays stateless.
type ApplyRequest struct {
	PreviewRequest
	MaxCreates             int      `json:"max_creates"`
	Reason                 string   `json:"reason"`
	AutoLaunch             bool     `json:"auto_launch"`
	AutoLaunchActions      []string `json:"auto_launch_actions"`
	LaunchPriority         int      `json:"launch_priority"`
	RequirePreviewApproval *bool    `json:"require_preview_approval"`
}

// CreatedCampaign is one campaign created by an apply run.
type CreatedCampaign struct {
	CampaignID uint    `json:"campaign_id"`
	Domain     string  `json:"domain"`
	Action     string  `json:"action"`
	Budget     float64 `json:"budget"`
	DailyCap   float64 `json:"daily_cap"`
}

// LaunchOutcome records a queued auto-launch.
type LaunchOutcome struct {
	CampaignID uint `json:"campaign_id"`
	JobID      uint `json:"job_id"`
	Deduped    bool `json:"deduped"`
}

// LaunchBlock records an auto-launch stopped by a gate.
type LaunchBlock struct {
	CampaignID uint   `json:"campaign_id"`
	ReasonCode string `json:"reason_code"`
	Detail     string `json:"detail,omitempty"`
}

// SkippedPlan records a creatable plan skipped during apply.
type SkippedPlan struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

// ApplyResult summarizes an apply run.
type ApplyResult struct {
	Created       []CreatedCampaign `json:"created"`
	Skipped       []SkippedPlan     `json:"skipped"`
	LaunchQueued  []LaunchOutcome   `json:"launch_queued"`
	LaunchBlocked []LaunchBlock     `json:"launch_blocked"`
}

// AutoplanService turns ROI signals into campaign plans and, on apply,
// into draft campaigns with optional gated auto-launch.
type AutoplanService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tracer   trace.Tracer
	signals  RoiSignalSource
	dispatch *DispatchService
	cfg      config.AutoplanConfig
}

func NewAutoplanService(db *gorm.DB, logger *logrus.Logger, signals RoiSignalSource, dispatch *DispatchService, cfg config.AutoplanConfig) *AutoplanService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutoplanService{
		db:       db,
		logger:   logger,
		tracer:   otel.Tracer("growthgate.autoplan"),
		signals:  signals,
		dispatch: dispatch,
		cfg:      cfg,
	}
}

// GeneratePreview ranks domains through the ROI oracle and resolves each
// candidate against research, open campaigns and channel profiles. Order
// is preserved from the oracle ranking.
func (s *AutoplanService) GeneratePreview(ctx context.Context, req PreviewRequest) (*AutoplanPreview, error) {
	ctx, span := s.tracer.Start(ctx, "autoplan.generate_preview")
	defer span.End()

	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		return nil, validationf("limit_too_large", "limit %d exceeds maximum %d", limit, s.cfg.MaxLimit)
	}
	for _, a := range req.Actions {
		if _, ok := actionBudgets[a]; !ok {
			return nil, validationf("unknown_action", "unknown action %q", a)
		}
	}

	priorities, err := s.signals.GetDomainPriorities(ctx, limit, req.WindowDays)
	if err != nil {
		return nil, &DependencyError{Dependency: "roi_signal_source", Err: err}
	}

	preview := &AutoplanPreview{
		GeneratedAt:         time.Now(),
		WindowDays:          req.WindowDays,
		BlockedReasonCounts: map[string]int{},
	}
	for _, p := range priorities {
		if len(req.Actions) > 0 && !roleIn(p.Action, req.Actions) {
			continue
		}
		candidate := s.resolveCandidate(ctx, p)
		if candidate.BlockReason != "" {
			preview.Blocked = append(preview.Blocked, candidate)
			preview.BlockedReasonCounts[candidate.BlockReason]++
		} else {
			preview.Creatable = append(preview.Creatable, candidate)
		}
	}

	span.SetAttributes(
		attribute.Int("autoplan.creatable", len(preview.Creatable)),
		attribute.Int("autoplan.blocked", len(preview.Blocked)),
	)
	return preview, nil
}

func (s *AutoplanService) resolveCandidate(ctx context.Context, p RoiPriority) PlanCandidate {
	c := PlanCandidate{
		Domain:     p.Domain,
		DomainID:   p.DomainID,
		Action:     p.Action,
		Score:      p.Score,
		Net30d:     p.Net30d,
		RoiPct:     p.RoiPct,
		WindowDays: p.WindowDays,
		Reasons:    p.Reasons,
	}

	var research models.DomainResearch
	err := s.db.WithContext(ctx).
		Where("LOWER(domain) = LOWER(?)", p.Domain).
		First(&research).Error
	if err == gorm.ErrRecordNotFound {
		c.BlockReason = ReasonMissingDomainResearch
		return c
	}
	if err != nil {
		s.logger.Errorf("research lookup for %s failed: %v", p.Domain, err)
		c.BlockReason = ReasonMissingDomainResearch
		return c
	}
	c.DomainResearchID = research.ID
	if research.HardFailReason != "" {
		c.BlockReason = ReasonResearchHardFail
		c.Reasons = append(c.Reasons, research.HardFailReason)
		return c
	}

	var open models.Campaign
	err = s.db.WithContext(ctx).
		Where("domain_research_id = ? AND status IN ?", research.ID, models.OpenCampaignStatuses).
		Order("created_at DESC").
		First(&open).Error
	if err == nil {
		c.BlockReason = ReasonExistingOpenCampaign
		c.Reasons = append(c.Reasons, fmt.Sprintf("campaign %d is %s", open.ID, open.Status))
		return c
	}
	if err != gorm.ErrRecordNotFound {
		s.logger.Errorf("open campaign lookup for research %d failed: %v", research.ID, err)
		c.BlockReason = ReasonExistingOpenCampaign
		return c
	}

	c.Channels, c.DroppedChannels = s.resolveChannels(ctx, research.DomainID)
	if len(c.Channels) == 0 {
		c.BlockReason = ReasonNoEnabledChannels
		return c
	}

	c.RecommendedBudget, c.RecommendedDailyCap = recommendBudget(p.Action, p.Score, p.RoiPct, p.Net30d)
	return c
}

// resolveChannels filters the known channel set through the domain's
// channel profiles. A channel without a profile row stays eligible.
func (s *AutoplanService) resolveChannels(ctx context.Context, domainID uint) (kept, dropped []string) {
	var profiles []models.ChannelProfile
	if err := s.db.WithContext(ctx).Where("domain_id = ?", domainID).Find(&profiles).Error; err != nil {
		s.logger.Errorf("channel profile lookup for domain %d failed: %v", domainID, err)
		return nil, knownChannels
	}
	byChannel := map[string]models.ChannelProfile{}
	for _, p := range profiles {
		byChannel[p.Channel] = p
	}
	for _, ch := range knownChannels {
		p, ok := byChannel[ch]
		if !ok || (p.Enabled && p.Compatibility != "blocked") {
			kept = append(kept, ch)
		} else {
			dropped = append(dropped, ch)
		}
	}
	return kept, dropped
}

// recommendBudget computes the deterministic budget/cap pair for a plan:
// per-action base, scaled by score band, discounted for negative ROI and
// negative net, rounded to cents.
func recommendBudget(action string, score float64, roiPct, net30d *float64) (budget, dailyCap float64) {
	base, ok := actionBudgets[action]
	if !ok {
		return 0, 0
	}
	mult := 0.85
	switch {
	case score >= 85:
		mult = 1.2
	case score >= 70:
		mult = 1.0
	}
	if roiPct != nil && *roiPct < 0 {
		mult *= 0.75
	}
	if net30d != nil && *net30d < 0 {
		mult *= 0.85
	}
	return roundCents(base.Budget * mult), roundCents(base.DailyCap * mult)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// ApplyAutoplan regenerates the preview and creates up to MaxCreates
// campaigns from its creatable list, each in its own transaction with an
// open-campaign re-check. Plans beyond MaxCreates are left unattempted.
// With AutoLaunch set, each created campaign routes through the launch
// admission chain; actions outside AutoLaunchActions are policy-blocked
// without consuming a freeze check.
func (s *AutoplanService) ApplyAutoplan(ctx context.Context, actor *models.User, req ApplyRequest) (*ApplyResult, error) {
	ctx, span := s.tracer.Start(ctx, "autoplan.apply")
	defer span.End()

	if strings.TrimSpace(req.Reason) == "" {
		return nil, validationf("reason_required", "apply requires a reason")
	}
	maxCreates := req.MaxCreates
	if maxCreates <= 0 {
		maxCreates = s.cfg.MaxCreates
	}
	if maxCreates > s.cfg.MaxCreates {
		return nil, validationf("max_creates_too_large", "max_creates %d exceeds maximum %d", maxCreates, s.cfg.MaxCreates)
	}
	for _, a := range req.AutoLaunchActions {
		if _, ok := actionBudgets[a]; !ok {
			return nil, validationf("unknown_action", "unknown auto-launch action %q", a)
		}
	}

	preview, err := s.GeneratePreview(ctx, req.PreviewRequest)
	if err != nil {
		return nil, err
	}

	result := &ApplyResult{}
	attempted := 0
	for _, plan := range preview.Creatable {
		if attempted >= maxCreates {
			break
		}
		attempted++

		campaign, err := s.createPlan(ctx, actor, plan, req.Reason)
		if err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				result.Skipped = append(result.Skipped, SkippedPlan{Domain: plan.Domain, Reason: conflict.Reason})
				continue
			}
			return nil, err
		}
		result.Created = append(result.Created, CreatedCampaign{
			CampaignID: campaign.ID,
			Domain:     plan.Domain,
			Action:     plan.Action,
			Budget:     campaign.Budget,
			DailyCap:   campaign.DailyCap,
		})

		if !req.AutoLaunch {
			continue
		}
		if len(req.AutoLaunchActions) > 0 && !roleIn(plan.Action, req.AutoLaunchActions) {
			result.LaunchBlocked = append(result.LaunchBlocked, LaunchBlock{
				CampaignID: campaign.ID,
				ReasonCode: ReasonAutoLaunchPolicyBlock,
				Detail:     fmt.Sprintf("action %q not in auto-launch policy", plan.Action),
			})
			continue
		}
		launch, err := s.dispatch.AdmitAndLaunch(ctx, actor, campaign.ID, LaunchOptions{
			RequireReview: req.RequirePreviewApproval,
			Priority:      req.LaunchPriority,
			Metadata: map[string]string{
				"origin":      models.MetricsOriginAutoplan,
				"plan_reason": req.Reason,
			},
		})
		if err != nil {
			var policy *PolicyError
			if errors.As(err, &policy) {
				result.LaunchBlocked = append(result.LaunchBlocked, LaunchBlock{
					CampaignID: campaign.ID,
					ReasonCode: policy.Reason,
					Detail:     policy.Message,
				})
				continue
			}
			s.logger.Errorf("auto-launch of campaign %d failed: %v", campaign.ID, err)
			result.LaunchBlocked = append(result.LaunchBlocked, LaunchBlock{
				CampaignID: campaign.ID,
				ReasonCode: "launch_error",
				Detail:     err.Error(),
			})
			continue
		}
		result.LaunchQueued = append(result.LaunchQueued, LaunchOutcome{
			CampaignID: campaign.ID,
			JobID:      launch.PromotionJob.ID,
			Deduped:    launch.Deduplicated,
		})
	}

	span.SetAttributes(
		attribute.Int("autoplan.created", len(result.Created)),
		attribute.Int("autoplan.launch_queued", len(result.LaunchQueued)),
	)
	s.logger.Infof("autoplan apply: created=%d skipped=%d queued=%d blocked=%d actor=%d",
		len(result.Created), len(result.Skipped), len(result.LaunchQueued), len(result.LaunchBlocked), actor.ID)
	return result, nil
}

// createPlan inserts one draft campaign with its provenance blob. The
// open-campaign rule is re-checked inside the transaction to guard the
// race since the preview was computed.
func (s *AutoplanService) createPlan(ctx context.Context, actor *models.User, plan PlanCandidate, reason string) (*models.Campaign, error) {
	var campaign *models.Campaign
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open models.Campaign
		err := tx.Where("domain_research_id = ? AND status IN ?", plan.DomainResearchID, models.OpenCampaignStatuses).
			First(&open).Error
		if err == nil {
			return conflictf(ReasonExistingOpenCampaign, "research %d already has open campaign %d", plan.DomainResearchID, open.ID)
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("re-check open campaign: %w", err)
		}

		metrics := &models.CampaignMetrics{
			Origin:     models.MetricsOriginAutoplan,
			Action:     plan.Action,
			Score:      plan.Score,
			Net30d:     plan.Net30d,
			RoiPct:     plan.RoiPct,
			Reasons:    plan.Reasons,
			WindowDays: plan.WindowDays,
			PlanReason: reason,
		}
		encoded, err := metrics.Encode()
		if err != nil {
			return err
		}
		campaign = &models.Campaign{
			DomainResearchID: plan.DomainResearchID,
			Name:             fmt.Sprintf("%s %s %s", plan.Domain, plan.Action, time.Now().Format("2006-01-02")),
			Channels:         strings.Join(plan.Channels, ","),
			Budget:           plan.RecommendedBudget,
			DailyCap:         plan.RecommendedDailyCap,
			Status:           "draft",
			Metrics:          encoded,
			CreatedBy:        actor.ID,
		}
		if err := tx.Create(campaign).Error; err != nil {
			return fmt.Errorf("create campaign: %w", err)
		}

		detail, _ := json.Marshal(map[string]interface{}{
			"action": plan.Action,
			"score":  plan.Score,
			"budget": plan.RecommendedBudget,
			"reason": reason,
		})
		event := &models.PromotionEvent{
			CampaignID: campaign.ID,
			EventType:  "roi_auto_plan_created",
			Detail:     string(detail),
			ActorID:    actor.ID,
		}
		return tx.Create(event).Error
	})
	if err != nil {
		return nil, err
	}
	return campaign, nil
}
