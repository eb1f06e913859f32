package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"growthgate/internal/config"
	"growthgate/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newReviewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.ReviewTask{}, &models.Campaign{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestReviewService(db *gorm.DB) *ReviewService {
	return NewReviewService(db, logrus.New(), config.ReviewConfig{
		RequireForLaunch: true,
		SLAHours:         24,
		EscalationHours:  48,
	}, nil)
}

func TestReviewService_EnsureLaunchApprovalOpensOneTask(t *testing.T) {
	db := newReviewTestDB(t)
	svc := newTestReviewService(db)
	ctx := context.Background()
	campaign := &models.Campaign{ID: 7, DomainResearchID: 3, Name: "example-demo.com growth"}

	approved, task, err := svc.EnsureLaunchApproval(ctx, campaign, 2)
	if err != nil {
		t.Fatalf("EnsureLaunchApproval failed: %v", err)
	}
	if approved {
		t.Fatal("fresh campaign must not be approved")
	}
	if task == nil || task.Status != "pending" {
		t.Fatalf("expected pending task, got %+v", task)
	}
	if !task.DueAt.After(time.Now()) || !task.EscalateAt.After(task.DueAt) {
		t.Fatalf("expected SLA deadlines on the task, got due=%s escalate=%s", task.DueAt, task.EscalateAt)
	}

	// a second check reuses the open task
	approved, again, err := svc.EnsureLaunchApproval(ctx, campaign, 2)
	if err != nil {
		t.Fatalf("second EnsureLaunchApproval failed: %v", err)
	}
	if approved || again.ID != task.ID {
		t.Fatalf("expected the pending task to be reused, got %+v", again)
	}

	if _, err := svc.Decide(ctx, adminUser(), task.ID, true, "channel mix looks safe"); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	approved, _, err = svc.EnsureLaunchApproval(ctx, campaign, 2)
	if err != nil {
		t.Fatalf("post-approval check failed: %v", err)
	}
	if !approved {
		t.Fatal("approved task must satisfy the gate")
	}
}

func TestReviewService_DecideIsFinal(t *testing.T) {
	db := newReviewTestDB(t)
	svc := newTestReviewService(db)
	ctx := context.Background()
	campaign := &models.Campaign{ID: 9, Name: "another.com growth"}

	_, task, err := svc.EnsureLaunchApproval(ctx, campaign, 2)
	if err != nil {
		t.Fatalf("EnsureLaunchApproval failed: %v", err)
	}

	decided, err := svc.Decide(ctx, adminUser(), task.ID, false, "budget too aggressive")
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decided.Status != "rejected" || decided.DecidedBy == nil || decided.DecidedAt == nil {
		t.Fatalf("expected rejected task with decision metadata, got %+v", decided)
	}

	_, err = svc.Decide(ctx, adminUser(), task.ID, true, "")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on re-decision, got %v", err)
	}

	_, err = svc.Decide(ctx, adminUser(), 9999, true, "")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for unknown task, got %v", err)
	}
}

func TestReviewService_EscalateOverdueTasks(t *testing.T) {
	db := newReviewTestDB(t)
	svc := newTestReviewService(db)
	ctx := context.Background()

	overdue := &models.ReviewTask{
		TaskType:   models.TaskTypeCampaignLaunch,
		CampaignID: 1,
		Status:     "pending",
		DueAt:      time.Now().Add(-48 * time.Hour),
		EscalateAt: time.Now().Add(-24 * time.Hour),
	}
	fresh := &models.ReviewTask{
		TaskType:   models.TaskTypeCampaignLaunch,
		CampaignID: 2,
		Status:     "pending",
		DueAt:      time.Now().Add(24 * time.Hour),
		EscalateAt: time.Now().Add(48 * time.Hour),
	}
	if err := db.Create(overdue).Error; err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := db.Create(fresh).Error; err != nil {
		t.Fatalf("create task: %v", err)
	}

	n, err := svc.EscalateOverdueTasks(ctx)
	if err != nil {
		t.Fatalf("EscalateOverdueTasks failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 escalated task, got %d", n)
	}

	open, err := svc.ListOpenTasks(ctx)
	if err != nil {
		t.Fatalf("ListOpenTasks failed: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("escalation must not close tasks, got %d open", len(open))
	}
	if open[0].ID != overdue.ID {
		t.Fatal("open tasks must order by due date")
	}
}
