package services

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"growthgate/internal/config"
	"growthgate/internal/metrics"
	"growthgate/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// LaunchOptions parameterizes one launch admission. Force skips the review
// gate only; the freeze gate cannot be forced, it is loosened through
// override governance instead. RequireReview overrides the configured
// review flag for this call; nil keeps the config default. Priority and
// Metadata are carried onto the dispatched job rows for the workers.
type LaunchOptions struct {
	Force         bool
	RequireReview *bool
	Priority      int
	Metadata      map[string]string
}

// LaunchResult is the outcome of a dispatch attempt.
type LaunchResult struct {
	PromotionJob *models.PromotionJob    `json:"promotion_job"`
	QueueJob     *models.ContentQueueJob `json:"queue_job,omitempty"`
	Deduplicated bool                    `json:"deduplicated"`
}

// DispatchService turns admitted launches into durable queue work. Launch
// is idempotent per campaign: concurrent attempts serialize on a Postgres
// advisory lock and collapse onto the existing non-terminal job.
type DispatchService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
	freeze *FreezeService
	review *ReviewService
	notify *NotifyService
	cfg    config.ReviewConfig
}

func NewDispatchService(db *gorm.DB, logger *logrus.Logger, freeze *FreezeService, review *ReviewService, cfg config.ReviewConfig, notify *NotifyService) *DispatchService {
	if logger == nil {
		logger = logrus.New()
	}
	return &DispatchService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("growthgate.dispatch"),
		freeze: freeze,
		review: review,
		notify: notify,
		cfg:    cfg,
	}
}

// AdmitAndLaunch runs the launch admission chain for one campaign: freeze
// gate first, then the human review gate, then idempotent dispatch.
func (s *DispatchService) AdmitAndLaunch(ctx context.Context, actor *models.User, campaignID uint, opts LaunchOptions) (*LaunchResult, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.admit_and_launch")
	defer span.End()
	span.SetAttributes(attribute.Int("campaign.id", int(campaignID)))

	var campaign models.Campaign
	if err := s.db.WithContext(ctx).First(&campaign, campaignID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, notFoundf("campaign", "campaign %d not found", campaignID)
		}
		return nil, fmt.Errorf("load campaign: %w", err)
	}

	scope := FreezeScope{Channels: campaign.ChannelList()}
	if m, err := models.DecodeCampaignMetrics(campaign.Metrics); err == nil {
		scope.Action = m.Action
	}

	state, err := s.freeze.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	if s.freeze.ShouldBlockLaunchForScope(state, scope) {
		metrics.IncFreezeBlocks()
		if _, err := s.freeze.EmitLaunchFreezeIncident(ctx, state, scope); err != nil {
			s.logger.Errorf("emit freeze incident failed: %v", err)
		}
		s.recordEvent(ctx, campaign.ID, "launch_blocked", actor.ID, map[string]interface{}{
			"reason": ReasonSLOLaunchFreeze,
			"level":  state.Level,
		})
		return nil, policyf(ReasonSLOLaunchFreeze, "launch blocked by SLO freeze (level=%s)", state.Level)
	}

	reviewRequired := s.cfg.RequireForLaunch
	if opts.RequireReview != nil {
		reviewRequired = *opts.RequireReview
	}
	if reviewRequired && !opts.Force {
		approved, task, err := s.review.EnsureLaunchApproval(ctx, &campaign, actor.ID)
		if err != nil {
			return nil, err
		}
		if !approved {
			s.recordEvent(ctx, campaign.ID, "launch_blocked", actor.ID, map[string]interface{}{
				"reason":         ReasonApprovalRequired,
				"review_task_id": task.ID,
			})
			return nil, policyf(ReasonApprovalRequired, "launch requires review approval (task %d pending)", task.ID)
		}
	}

	return s.Launch(ctx, &campaign, actor.ID, opts)
}

// Launch dispatches one admitted launch. Inside a single transaction it
// takes an advisory lock keyed on the campaign, rechecks the non-terminal
// job dedup rule, activates the campaign, and enqueues the work. A second
// caller either waits on the lock and then dedups, or dedups outright.
func (s *DispatchService) Launch(ctx context.Context, campaign *models.Campaign, launchedBy uint, opts LaunchOptions) (*LaunchResult, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.launch")
	defer span.End()

	result := &LaunchResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// advisory locks are a Postgres feature; the sqlite test dialect
		// falls back to the dedup query alone
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", campaignLockKey(campaign.ID)).Error; err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
		}

		var existing models.PromotionJob
		err := tx.Where("job_type = ? AND campaign_id = ? AND status IN ?",
			models.JobTypeCreatePromotionPlan, campaign.ID, models.NonTerminalJobStatuses).
			First(&existing).Error
		if err == nil {
			result.PromotionJob = &existing
			result.Deduplicated = true
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("check launch dedup: %w", err)
		}

		var fresh models.Campaign
		if err := tx.First(&fresh, campaign.ID).Error; err != nil {
			return fmt.Errorf("reload campaign: %w", err)
		}
		switch fresh.Status {
		case "draft", "paused":
			res := tx.Model(&models.Campaign{}).
				Where("id = ? AND status = ?", fresh.ID, fresh.Status).
				Update("status", "active")
			if res.Error != nil {
				return fmt.Errorf("activate campaign: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return conflictf("status_changed", "campaign %d changed status concurrently", fresh.ID)
			}
		case "active":
			// already live, re-dispatch is allowed after terminal jobs
		default:
			return conflictf("campaign_closed", "campaign %d is %s and cannot launch", fresh.ID, fresh.Status)
		}

		payload := &models.LaunchJobPayload{
			CampaignID:  fresh.ID,
			Channels:    fresh.ChannelList(),
			LaunchedBy:  launchedBy,
			Force:       opts.Force,
			Metadata:    opts.Metadata,
			RequestedAt: time.Now(),
		}
		encoded, err := payload.Encode()
		if err != nil {
			return err
		}
		job := &models.PromotionJob{
			JobType:     models.JobTypeCreatePromotionPlan,
			CampaignID:  fresh.ID,
			Status:      "pending",
			Priority:    opts.Priority,
			Payload:     encoded,
			RequestedBy: launchedBy,
		}
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("create promotion job: %w", err)
		}

		queuePayload := &models.QueueJobPayload{PromotionJobID: job.ID, CampaignID: fresh.ID}
		queueEncoded, err := queuePayload.Encode()
		if err != nil {
			return err
		}
		queueJob := &models.ContentQueueJob{
			JobType:  models.JobTypeCreatePromotionPlan,
			Status:   "pending",
			Priority: opts.Priority,
			Payload:  queueEncoded,
		}
		if err := tx.Create(queueJob).Error; err != nil {
			return fmt.Errorf("create queue job: %w", err)
		}

		// back-reference the queue job so workers can cross-check
		payload.QueueJobID = &queueJob.ID
		encoded, err = payload.Encode()
		if err != nil {
			return err
		}
		if err := tx.Model(job).Update("payload", encoded).Error; err != nil {
			return fmt.Errorf("backfill queue job id: %w", err)
		}
		job.Payload = encoded

		detail, _ := json.Marshal(map[string]interface{}{
			"promotion_job_id": job.ID,
			"queue_job_id":     queueJob.ID,
			"channels":         fresh.ChannelList(),
		})
		event := &models.PromotionEvent{
			CampaignID: fresh.ID,
			EventType:  "launch_queued",
			Detail:     string(detail),
			ActorID:    launchedBy,
		}
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("record launch event: %w", err)
		}

		result.PromotionJob = job
		result.QueueJob = queueJob
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if result.Deduplicated {
		metrics.IncDedupHits()
		s.logger.Infof("launch deduplicated: campaign=%d job=%d", campaign.ID, result.PromotionJob.ID)
	} else {
		s.logger.Infof("launch queued: campaign=%d job=%d", campaign.ID, result.PromotionJob.ID)
		if s.notify != nil {
			s.notify.Notify(ctx, "campaign_launch_queued", map[string]interface{}{
				"campaign_id": campaign.ID,
				"job_id":      result.PromotionJob.ID,
			})
		}
	}
	span.SetAttributes(attribute.Bool("dispatch.deduplicated", result.Deduplicated))
	return result, nil
}

func (s *DispatchService) recordEvent(ctx context.Context, campaignID uint, eventType string, actorID uint, detail map[string]interface{}) {
	b, _ := json.Marshal(detail)
	event := &models.PromotionEvent{
		CampaignID: campaignID,
		EventType:  eventType,
		Detail:     string(b),
		ActorID:    actorID,
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		s.logger.Errorf("record %s event failed: %v", eventType, err)
	}
}

// campaignLockKey hashes the dedup identity into the int64 space Postgres
// advisory locks require.
func campaignLockKey(campaignID uint) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d", models.JobTypeCreatePromotionPlan, campaignID)
	return int64(h.Sum64())
}
