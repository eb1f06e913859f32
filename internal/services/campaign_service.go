package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"growthgate/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Allowed manual status transitions.
var campaignTransitions = map[string][]string{
	"pause":    {"active"},
	"complete": {"active", "paused"},
	"cancel":   {"draft", "active", "paused"},
}

var campaignTransitionTarget = map[string]string{
	"pause":    "paused",
	"complete": "completed",
	"cancel":   "cancelled",
}

// CreateCampaignRequest is a manual campaign creation.
type CreateCampaignRequest struct {
	DomainResearchID uint     `json:"domain_research_id" binding:"required"`
	Name             string   `json:"name" binding:"required"`
	Channels         []string `json:"channels" binding:"required"`
	Budget           float64  `json:"budget"`
	DailyCap         float64  `json:"daily_cap"`
	Note             string   `json:"note"`
}

// ListCampaignsRequest filters the campaign listing.
type ListCampaignsRequest struct {
	Status           string `form:"status"`
	DomainResearchID uint   `form:"domain_research_id"`
	Page             int    `form:"page"`
	PageSize         int    `form:"page_size"`
}

// CampaignService covers manual campaign lifecycle outside the planner:
// creation, reads, and the pause/complete/cancel transitions.
type CampaignService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
}

func NewCampaignService(db *gorm.DB, logger *logrus.Logger) *CampaignService {
	if logger == nil {
		logger = logrus.New()
	}
	return &CampaignService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("growthgate.campaign"),
	}
}

// GetCampaign loads one campaign with its research record.
func (s *CampaignService) GetCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	var campaign models.Campaign
	err := s.db.WithContext(ctx).Preload("DomainResearch").First(&campaign, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, notFoundf("campaign", "campaign %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	return &campaign, nil
}

// ListCampaigns returns a filtered page of campaigns, newest first.
func (s *CampaignService) ListCampaigns(ctx context.Context, req ListCampaignsRequest) ([]models.Campaign, int64, error) {
	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.Campaign{})
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.DomainResearchID != 0 {
		query = query.Where("domain_research_id = ?", req.DomainResearchID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}
	var campaigns []models.Campaign
	err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&campaigns).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	return campaigns, total, nil
}

// CreateCampaign inserts a manual draft campaign, honoring the
// one-open-campaign-per-research rule.
func (s *CampaignService) CreateCampaign(ctx context.Context, actor *models.User, req CreateCampaignRequest) (*models.Campaign, error) {
	ctx, span := s.tracer.Start(ctx, "campaign.create")
	defer span.End()

	for _, ch := range req.Channels {
		if !roleIn(ch, knownChannels) {
			return nil, validationf("unknown_channel", "unknown channel %q", ch)
		}
	}
	if req.Budget < 0 || req.DailyCap < 0 {
		return nil, validationf("negative_budget", "budget and daily cap must be non-negative")
	}

	var research models.DomainResearch
	if err := s.db.WithContext(ctx).First(&research, req.DomainResearchID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, notFoundf("domain_research", "domain research %d not found", req.DomainResearchID)
		}
		return nil, fmt.Errorf("load domain research: %w", err)
	}

	metrics := &models.CampaignMetrics{Origin: models.MetricsOriginManual, Note: req.Note}
	encoded, err := metrics.Encode()
	if err != nil {
		return nil, err
	}

	var campaign *models.Campaign
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open models.Campaign
		err := tx.Where("domain_research_id = ? AND status IN ?", research.ID, models.OpenCampaignStatuses).
			First(&open).Error
		if err == nil {
			return conflictf(ReasonExistingOpenCampaign, "research %d already has open campaign %d", research.ID, open.ID)
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("check open campaign: %w", err)
		}

		campaign = &models.Campaign{
			DomainResearchID: research.ID,
			Name:             req.Name,
			Channels:         strings.Join(req.Channels, ","),
			Budget:           req.Budget,
			DailyCap:         req.DailyCap,
			Status:           "draft",
			Metrics:          encoded,
			CreatedBy:        actor.ID,
		}
		if err := tx.Create(campaign).Error; err != nil {
			return fmt.Errorf("create campaign: %w", err)
		}
		event := &models.PromotionEvent{
			CampaignID: campaign.ID,
			EventType:  "campaign_created",
			ActorID:    actor.ID,
		}
		return tx.Create(event).Error
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Infof("campaign %d created for research %d by actor=%d", campaign.ID, research.ID, actor.ID)
	return campaign, nil
}

// Transition applies a manual pause/complete/cancel. The status update is
// conditional on the observed prior status so concurrent transitions
// conflict instead of silently overwriting.
func (s *CampaignService) Transition(ctx context.Context, actor *models.User, campaignID uint, transition, note string) (*models.Campaign, error) {
	ctx, span := s.tracer.Start(ctx, "campaign.transition")
	defer span.End()

	allowedFrom, ok := campaignTransitions[transition]
	if !ok {
		return nil, validationf("unknown_transition", "unknown transition %q", transition)
	}
	target := campaignTransitionTarget[transition]

	var campaign models.Campaign
	if err := s.db.WithContext(ctx).First(&campaign, campaignID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, notFoundf("campaign", "campaign %d not found", campaignID)
		}
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if !roleIn(campaign.Status, allowedFrom) {
		return nil, conflictf("invalid_transition", "campaign %d is %s, cannot %s", campaignID, campaign.Status, transition)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Campaign{}).
			Where("id = ? AND status = ?", campaignID, campaign.Status).
			Updates(map[string]interface{}{"status": target, "updated_at": time.Now()})
		if res.Error != nil {
			return fmt.Errorf("%s campaign: %w", transition, res.Error)
		}
		if res.RowsAffected == 0 {
			return conflictf("status_changed", "campaign %d changed status concurrently", campaignID)
		}
		detail, _ := json.Marshal(map[string]string{"from": campaign.Status, "to": target, "note": note})
		event := &models.PromotionEvent{
			CampaignID: campaignID,
			EventType:  "campaign_" + target,
			Detail:     string(detail),
			ActorID:    actor.ID,
		}
		return tx.Create(event).Error
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	campaign.Status = target
	s.logger.Infof("campaign %d %s by actor=%d", campaignID, target, actor.ID)
	return &campaign, nil
}

// ListEvents returns the audit trail for one campaign, oldest first.
func (s *CampaignService) ListEvents(ctx context.Context, campaignID uint) ([]models.PromotionEvent, error) {
	var events []models.PromotionEvent
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list campaign events: %w", err)
	}
	return events, nil
}
