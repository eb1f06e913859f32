package services

import (
	"context"
	"fmt"
	"time"

	"growthgate/internal/config"
	"growthgate/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ReviewService owns the pre-publish human review gate. Launch dispatch
// asks it for an approved campaign_launch task before queueing work.
type ReviewService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
	notify *NotifyService
	cfg    config.ReviewConfig
}

func NewReviewService(db *gorm.DB, logger *logrus.Logger, cfg config.ReviewConfig, notify *NotifyService) *ReviewService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ReviewService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("growthgate.review"),
		notify: notify,
		cfg:    cfg,
	}
}

// EnsureLaunchApproval checks the review gate for a campaign. Returns
// approved=true when an approved task exists. Otherwise it reuses the open
// pending task, or opens a new one with SLA deadlines, and returns
// approved=false so the caller blocks the launch with approval_required.
func (s *ReviewService) EnsureLaunchApproval(ctx context.Context, campaign *models.Campaign, requestedBy uint) (bool, *models.ReviewTask, error) {
	ctx, span := s.tracer.Start(ctx, "review.ensure_launch_approval")
	defer span.End()
	span.SetAttributes(attribute.Int("campaign.id", int(campaign.ID)))

	var task models.ReviewTask
	err := s.db.WithContext(ctx).
		Where("task_type = ? AND campaign_id = ? AND status = ?", models.TaskTypeCampaignLaunch, campaign.ID, "approved").
		Order("id DESC").
		First(&task).Error
	if err == nil {
		return true, &task, nil
	}
	if err != gorm.ErrRecordNotFound {
		return false, nil, fmt.Errorf("check approved review: %w", err)
	}

	err = s.db.WithContext(ctx).
		Where("task_type = ? AND campaign_id = ? AND status = ?", models.TaskTypeCampaignLaunch, campaign.ID, "pending").
		Order("id DESC").
		First(&task).Error
	if err == nil {
		return false, &task, nil
	}
	if err != gorm.ErrRecordNotFound {
		return false, nil, fmt.Errorf("check pending review: %w", err)
	}

	now := time.Now()
	task = models.ReviewTask{
		TaskType:         models.TaskTypeCampaignLaunch,
		CampaignID:       campaign.ID,
		DomainResearchID: campaign.DomainResearchID,
		Status:           "pending",
		RequestedBy:      requestedBy,
		DueAt:            now.Add(time.Duration(s.cfg.SLAHours) * time.Hour),
		EscalateAt:       now.Add(time.Duration(s.cfg.EscalationHours) * time.Hour),
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		span.RecordError(err)
		return false, nil, fmt.Errorf("create review task: %w", err)
	}

	s.logger.Infof("review task %d opened for campaign %d", task.ID, campaign.ID)
	if s.notify != nil {
		s.notify.Notify(ctx, "review_task_opened", map[string]interface{}{
			"task_id":     task.ID,
			"campaign_id": campaign.ID,
			"due_at":      task.DueAt,
		})
	}
	return false, &task, nil
}

// Decide settles a pending review task. A decided task cannot be decided
// again; the pending-only conditional update makes concurrent deciders
// conflict instead of overwriting each other.
func (s *ReviewService) Decide(ctx context.Context, actor *models.User, taskID uint, approve bool, note string) (*models.ReviewTask, error) {
	ctx, span := s.tracer.Start(ctx, "review.decide")
	defer span.End()

	var task models.ReviewTask
	if err := s.db.WithContext(ctx).First(&task, taskID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, notFoundf("review_task", "review task %d not found", taskID)
		}
		return nil, fmt.Errorf("load review task: %w", err)
	}
	if task.Status != "pending" {
		return nil, conflictf("already_decided", "review task %d is %s", taskID, task.Status)
	}

	status := "rejected"
	if approve {
		status = "approved"
	}
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.ReviewTask{}).
		Where("id = ? AND status = ?", taskID, "pending").
		Updates(map[string]interface{}{
			"status":        status,
			"decided_by":    actor.ID,
			"decision_note": note,
			"decided_at":    now,
		})
	if res.Error != nil {
		span.RecordError(res.Error)
		return nil, fmt.Errorf("decide review task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, conflictf("already_decided", "review task %d was decided concurrently", taskID)
	}

	if err := s.db.WithContext(ctx).First(&task, taskID).Error; err != nil {
		return nil, fmt.Errorf("reload review task: %w", err)
	}
	s.logger.Infof("review task %d %s by actor=%d", taskID, status, actor.ID)
	return &task, nil
}

// ListOpenTasks returns pending review tasks, oldest due first.
func (s *ReviewService) ListOpenTasks(ctx context.Context) ([]models.ReviewTask, error) {
	var tasks []models.ReviewTask
	err := s.db.WithContext(ctx).
		Where("status = ?", "pending").
		Order("due_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list open review tasks: %w", err)
	}
	return tasks, nil
}

// EscalateOverdueTasks notifies on pending tasks past their escalation
// deadline. Returns how many were escalated.
func (s *ReviewService) EscalateOverdueTasks(ctx context.Context) (int, error) {
	var tasks []models.ReviewTask
	err := s.db.WithContext(ctx).
		Where("status = ? AND escalate_at < ?", "pending", time.Now()).
		Find(&tasks).Error
	if err != nil {
		return 0, fmt.Errorf("list overdue review tasks: %w", err)
	}
	for _, task := range tasks {
		s.logger.Warnf("review task %d for campaign %d past escalation deadline", task.ID, task.CampaignID)
		if s.notify != nil {
			s.notify.Notify(ctx, "review_task_escalated", map[string]interface{}{
				"task_id":     task.ID,
				"campaign_id": task.CampaignID,
				"escalate_at": task.EscalateAt,
			})
		}
	}
	return len(tasks), nil
}
