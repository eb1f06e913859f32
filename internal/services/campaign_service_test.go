package services

import (
	"context"
	"errors"
	"testing"

	"growthgate/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newCampaignTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.DomainResearch{}, &models.Campaign{}, &models.PromotionEvent{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestCampaignService_CreateCampaign(t *testing.T) {
	db := newCampaignTestDB(t)
	svc := NewCampaignService(db, logrus.New())
	ctx := context.Background()
	research := seedResearch(t, db, "manual.com", 1, "")

	req := CreateCampaignRequest{
		DomainResearchID: research.ID,
		Name:             "manual.com relaunch",
		Channels:         []string{models.ChannelPinterest},
		Budget:           150,
		DailyCap:         2,
		Note:             "hand-planned relaunch",
	}
	campaign, err := svc.CreateCampaign(ctx, operatorUser(), req)
	if err != nil {
		t.Fatalf("CreateCampaign failed: %v", err)
	}
	if campaign.Status != "draft" {
		t.Fatalf("expected draft campaign, got %s", campaign.Status)
	}
	metrics, err := models.DecodeCampaignMetrics(campaign.Metrics)
	if err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if metrics.Origin != models.MetricsOriginManual || metrics.Note != req.Note {
		t.Fatalf("unexpected provenance blob: %+v", metrics)
	}

	// one open campaign per research
	_, err = svc.CreateCampaign(ctx, operatorUser(), req)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ReasonExistingOpenCampaign {
		t.Fatalf("expected existing_open_campaign conflict, got %v", err)
	}

	var validation *ValidationError
	req.Channels = []string{"carrier_pigeon"}
	req.DomainResearchID = research.ID
	if _, err := svc.CreateCampaign(ctx, operatorUser(), req); !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for unknown channel, got %v", err)
	}

	var notFound *NotFoundError
	req.Channels = []string{models.ChannelPinterest}
	req.DomainResearchID = 999
	if _, err := svc.CreateCampaign(ctx, operatorUser(), req); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for unknown research, got %v", err)
	}
}

func TestCampaignService_Transitions(t *testing.T) {
	db := newCampaignTestDB(t)
	svc := NewCampaignService(db, logrus.New())
	ctx := context.Background()
	research := seedResearch(t, db, "lifecycle.com", 1, "")

	campaign := &models.Campaign{
		DomainResearchID: research.ID,
		Name:             "lifecycle.com growth",
		Status:           "active",
	}
	if err := db.Create(campaign).Error; err != nil {
		t.Fatalf("create campaign: %v", err)
	}

	paused, err := svc.Transition(ctx, operatorUser(), campaign.ID, "pause", "seasonal pause")
	if err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if paused.Status != "paused" {
		t.Fatalf("expected paused, got %s", paused.Status)
	}

	// paused campaigns cannot pause again
	_, err = svc.Transition(ctx, operatorUser(), campaign.ID, "pause", "")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for invalid transition, got %v", err)
	}

	completed, err := svc.Transition(ctx, operatorUser(), campaign.ID, "complete", "goal met")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if completed.Status != "completed" {
		t.Fatalf("expected completed, got %s", completed.Status)
	}

	// completed is terminal
	if _, err := svc.Transition(ctx, operatorUser(), campaign.ID, "cancel", ""); err == nil {
		t.Fatal("completed campaign must not cancel")
	}

	var validation *ValidationError
	if _, err := svc.Transition(ctx, operatorUser(), campaign.ID, "teleport", ""); !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for unknown transition, got %v", err)
	}

	events, err := svc.ListEvents(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 lifecycle events, got %d", len(events))
	}
	if events[0].EventType != "campaign_paused" || events[1].EventType != "campaign_completed" {
		t.Fatalf("unexpected event trail: %s, %s", events[0].EventType, events[1].EventType)
	}
}

func TestCampaignService_ListCampaigns(t *testing.T) {
	db := newCampaignTestDB(t)
	svc := NewCampaignService(db, logrus.New())
	ctx := context.Background()

	for i, status := range []string{"draft", "active", "completed"} {
		research := seedResearch(t, db, "list"+string(rune('a'+i))+".com", uint(i+1), "")
		if err := db.Create(&models.Campaign{
			DomainResearchID: research.ID,
			Name:             research.Domain,
			Status:           status,
		}).Error; err != nil {
			t.Fatalf("create campaign: %v", err)
		}
	}

	all, total, err := svc.ListCampaigns(ctx, ListCampaignsRequest{})
	if err != nil {
		t.Fatalf("ListCampaigns failed: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("expected 3 campaigns, got total=%d len=%d", total, len(all))
	}

	active, total, err := svc.ListCampaigns(ctx, ListCampaignsRequest{Status: "active"})
	if err != nil {
		t.Fatalf("filtered ListCampaigns failed: %v", err)
	}
	if total != 1 || len(active) != 1 || active[0].Status != "active" {
		t.Fatalf("status filter broken: total=%d len=%d", total, len(active))
	}

	paged, total, err := svc.ListCampaigns(ctx, ListCampaignsRequest{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("paged ListCampaigns failed: %v", err)
	}
	if total != 3 || len(paged) != 1 {
		t.Fatalf("expected 1 campaign on page 2, got %d", len(paged))
	}
}

func TestCampaignService_GetCampaign(t *testing.T) {
	db := newCampaignTestDB(t)
	svc := NewCampaignService(db, logrus.New())
	ctx := context.Background()

	research := seedResearch(t, db, "lookup.com", 1, "")
	created := &models.Campaign{DomainResearchID: research.ID, Name: "lookup.com growth"}
	if err := db.Create(created).Error; err != nil {
		t.Fatalf("create campaign: %v", err)
	}

	campaign, err := svc.GetCampaign(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetCampaign failed: %v", err)
	}
	if campaign.DomainResearch.Domain != "lookup.com" {
		t.Fatal("expected research preloaded on the campaign")
	}

	var notFound *NotFoundError
	if _, err := svc.GetCampaign(ctx, 999); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
