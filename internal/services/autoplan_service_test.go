package services

import (
	"context"
	"errors"
	"testing"

	"growthgate/internal/config"
	"growthgate/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type stubSignalSource struct {
	priorities []RoiPriority
	err        error
}

func (s *stubSignalSource) GetDomainPriorities(ctx context.Context, limit, windowDays int) ([]RoiPriority, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit > 0 && len(s.priorities) > limit {
		return s.priorities[:limit], nil
	}
	return s.priorities, nil
}

func newAutoplanTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.DomainResearch{}, &models.ChannelProfile{}, &models.Campaign{},
		&models.PromotionJob{}, &models.ContentQueueJob{}, &models.PromotionEvent{},
		&models.ReviewTask{}, &models.FreezeControllerState{}, &models.FreezeOverride{},
		&models.FreezeIncident{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestAutoplanService(db *gorm.DB, signals RoiSignalSource, source *stubBurnSource) *AutoplanService {
	dispatch := newTestDispatchService(db, source, config.ReviewConfig{})
	return NewAutoplanService(db, logrus.New(), signals, dispatch, config.AutoplanConfig{
		DefaultLimit: 10,
		MaxLimit:     50,
		MaxCreates:   10,
	})
}

func seedResearch(t *testing.T, db *gorm.DB, domain string, domainID uint, hardFail string) *models.DomainResearch {
	t.Helper()
	research := &models.DomainResearch{
		DomainID:       domainID,
		Domain:         domain,
		Decision:       "build",
		HardFailReason: hardFail,
	}
	if err := db.Create(research).Error; err != nil {
		t.Fatalf("create research for %s: %v", domain, err)
	}
	return research
}

func scalePriority(domain string, domainID uint) RoiPriority {
	return RoiPriority{
		DomainID:   domainID,
		Domain:     domain,
		Score:      90,
		Action:     models.ActionScale,
		WindowDays: 30,
	}
}

func TestRecommendBudget(t *testing.T) {
	negRoi := -5.0
	negNet := -12.0

	budget, cap := recommendBudget(models.ActionScale, 90, &negRoi, nil)
	if budget != 270 {
		t.Fatalf("scale score 90 with negative roi: expected budget 270, got %v", budget)
	}
	if cap != 3.6 {
		t.Fatalf("expected daily cap 3.6, got %v", cap)
	}

	budget, _ = recommendBudget(models.ActionScale, 90, nil, nil)
	if budget != 360 {
		t.Fatalf("scale score 90: expected budget 360, got %v", budget)
	}

	budget, cap = recommendBudget(models.ActionOptimize, 75, nil, nil)
	if budget != 175 || cap != 2 {
		t.Fatalf("optimize score 75: expected 175/2, got %v/%v", budget, cap)
	}

	budget, _ = recommendBudget(models.ActionRecover, 40, &negRoi, &negNet)
	// 80 * 0.85 * 0.75 * 0.85 = 43.35
	if budget != 43.35 {
		t.Fatalf("recover with both discounts: expected 43.35, got %v", budget)
	}

	budget, cap = recommendBudget("unknown", 90, nil, nil)
	if budget != 0 || cap != 0 {
		t.Fatalf("unknown action must yield zero budget, got %v/%v", budget, cap)
	}
}

func TestAutoplanService_PreviewBlockedReasons(t *testing.T) {
	db := newAutoplanTestDB(t)

	// hard-failed research
	seedResearch(t, db, "hardfail.com", 2, "trademark conflict")
	// research with an open campaign
	withOpen := seedResearch(t, db, "busy.com", 3, "")
	if err := db.Create(&models.Campaign{
		DomainResearchID: withOpen.ID,
		Name:             "busy.com existing",
		Status:           "active",
	}).Error; err != nil {
		t.Fatalf("create open campaign: %v", err)
	}
	// research whose channels are all blocked
	noChannels := seedResearch(t, db, "nochannels.com", 4, "")
	for _, ch := range []string{models.ChannelPinterest, models.ChannelYouTubeShorts} {
		if err := db.Create(&models.ChannelProfile{
			DomainID:      noChannels.DomainID,
			Channel:       ch,
			Enabled:       false,
			Compatibility: "blocked",
		}).Error; err != nil {
			t.Fatalf("create channel profile: %v", err)
		}
	}
	// fully launchable
	seedResearch(t, db, "clean.com", 5, "")

	signals := &stubSignalSource{priorities: []RoiPriority{
		scalePriority("clean.com", 5),
		scalePriority("unresearched.com", 1),
		scalePriority("hardfail.com", 2),
		scalePriority("busy.com", 3),
		scalePriority("nochannels.com", 4),
	}}
	svc := newTestAutoplanService(db, signals, &stubBurnSource{burns: healthyBurns()})

	preview, err := svc.GeneratePreview(context.Background(), PreviewRequest{Limit: 10})
	if err != nil {
		t.Fatalf("GeneratePreview failed: %v", err)
	}

	if len(preview.Creatable) != 1 || preview.Creatable[0].Domain != "clean.com" {
		t.Fatalf("expected clean.com creatable, got %+v", preview.Creatable)
	}
	if preview.Creatable[0].RecommendedBudget != 360 {
		t.Fatalf("expected budget 360 for score 90 scale, got %v", preview.Creatable[0].RecommendedBudget)
	}
	if len(preview.Creatable[0].Channels) != 2 {
		t.Fatalf("unprofiled channels must stay eligible, got %v", preview.Creatable[0].Channels)
	}

	want := map[string]int{
		ReasonMissingDomainResearch: 1,
		ReasonResearchHardFail:      1,
		ReasonExistingOpenCampaign:  1,
		ReasonNoEnabledChannels:     1,
	}
	for reason, count := range want {
		if preview.BlockedReasonCounts[reason] != count {
			t.Fatalf("expected %d blocked for %s, got %d", count, reason, preview.BlockedReasonCounts[reason])
		}
	}
}

func TestAutoplanService_PreviewValidation(t *testing.T) {
	db := newAutoplanTestDB(t)
	svc := newTestAutoplanService(db, &stubSignalSource{}, &stubBurnSource{burns: healthyBurns()})
	ctx := context.Background()

	var validation *ValidationError
	_, err := svc.GeneratePreview(ctx, PreviewRequest{Limit: 500})
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for oversized limit, got %v", err)
	}
	_, err = svc.GeneratePreview(ctx, PreviewRequest{Actions: []string{"conquer"}})
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for unknown action, got %v", err)
	}

	broken := newTestAutoplanService(db, &stubSignalSource{err: errors.New("rollup store down")}, &stubBurnSource{burns: healthyBurns()})
	var dep *DependencyError
	_, err = broken.GeneratePreview(ctx, PreviewRequest{})
	if !errors.As(err, &dep) {
		t.Fatalf("expected DependencyError when the oracle fails, got %v", err)
	}
}

func TestAutoplanService_ApplyRespectsMaxCreates(t *testing.T) {
	db := newAutoplanTestDB(t)
	seedResearch(t, db, "one.com", 1, "")
	seedResearch(t, db, "two.com", 2, "")
	seedResearch(t, db, "three.com", 3, "")

	signals := &stubSignalSource{priorities: []RoiPriority{
		scalePriority("one.com", 1),
		scalePriority("two.com", 2),
		scalePriority("three.com", 3),
	}}
	svc := newTestAutoplanService(db, signals, &stubBurnSource{burns: healthyBurns()})

	result, err := svc.ApplyAutoplan(context.Background(), adminUser(), ApplyRequest{
		MaxCreates: 1,
		Reason:     "weekly planning run",
	})
	if err != nil {
		t.Fatalf("ApplyAutoplan failed: %v", err)
	}
	if len(result.Created) != 1 {
		t.Fatalf("expected exactly 1 created campaign, got %d", len(result.Created))
	}
	if len(result.Skipped) != 0 {
		t.Fatalf("plans beyond the cap must stay unattempted, got %d skipped", len(result.Skipped))
	}

	var count int64
	db.Model(&models.Campaign{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 campaign row, got %d", count)
	}
	var campaign models.Campaign
	db.First(&campaign)
	if campaign.Status != "draft" {
		t.Fatalf("created campaigns start as draft, got %s", campaign.Status)
	}
	metrics, err := models.DecodeCampaignMetrics(campaign.Metrics)
	if err != nil {
		t.Fatalf("decode campaign metrics: %v", err)
	}
	if metrics.Origin != models.MetricsOriginAutoplan || metrics.PlanReason != "weekly planning run" {
		t.Fatalf("unexpected provenance blob: %+v", metrics)
	}
}

func TestAutoplanService_ApplyValidation(t *testing.T) {
	db := newAutoplanTestDB(t)
	svc := newTestAutoplanService(db, &stubSignalSource{}, &stubBurnSource{burns: healthyBurns()})
	ctx := context.Background()

	var validation *ValidationError
	_, err := svc.ApplyAutoplan(ctx, adminUser(), ApplyRequest{})
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for missing reason, got %v", err)
	}
	_, err = svc.ApplyAutoplan(ctx, adminUser(), ApplyRequest{MaxCreates: 1000, Reason: "too many"})
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for oversized max_creates, got %v", err)
	}
	_, err = svc.ApplyAutoplan(ctx, adminUser(), ApplyRequest{
		Reason:            "bad policy",
		AutoLaunch:        true,
		AutoLaunchActions: []string{"conquer"},
	})
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for unknown auto-launch action, got %v", err)
	}
}

func TestAutoplanService_AutoLaunchPolicy(t *testing.T) {
	db := newAutoplanTestDB(t)
	seedResearch(t, db, "optimizer.com", 1, "")

	optimize := RoiPriority{DomainID: 1, Domain: "optimizer.com", Score: 75, Action: models.ActionOptimize, WindowDays: 30}
	signals := &stubSignalSource{priorities: []RoiPriority{optimize}}
	svc := newTestAutoplanService(db, signals, &stubBurnSource{burns: healthyBurns()})

	result, err := svc.ApplyAutoplan(context.Background(), adminUser(), ApplyRequest{
		Reason:            "scale-only launch policy",
		AutoLaunch:        true,
		AutoLaunchActions: []string{models.ActionScale},
	})
	if err != nil {
		t.Fatalf("ApplyAutoplan failed: %v", err)
	}
	if len(result.Created) != 1 {
		t.Fatalf("campaign must still be created, got %d", len(result.Created))
	}
	if len(result.LaunchQueued) != 0 {
		t.Fatal("out-of-policy action must not launch")
	}
	if len(result.LaunchBlocked) != 1 || result.LaunchBlocked[0].ReasonCode != ReasonAutoLaunchPolicyBlock {
		t.Fatalf("expected auto_launch_policy_block, got %+v", result.LaunchBlocked)
	}
}

func TestAutoplanService_AutoLaunchWhileFrozen(t *testing.T) {
	db := newAutoplanTestDB(t)
	seedResearch(t, db, "frozen.com", 1, "")

	signals := &stubSignalSource{priorities: []RoiPriority{scalePriority("frozen.com", 1)}}
	svc := newTestAutoplanService(db, signals, &stubBurnSource{burns: criticalBurns()})

	result, err := svc.ApplyAutoplan(context.Background(), adminUser(), ApplyRequest{
		Reason:     "launch during incident",
		AutoLaunch: true,
	})
	if err != nil {
		t.Fatalf("ApplyAutoplan failed: %v", err)
	}
	if len(result.Created) != 1 {
		t.Fatalf("planning must proceed while frozen, got %d created", len(result.Created))
	}
	if len(result.LaunchQueued) != 0 {
		t.Fatal("no launch may queue while frozen")
	}
	if len(result.LaunchBlocked) != 1 || result.LaunchBlocked[0].ReasonCode != ReasonSLOLaunchFreeze {
		t.Fatalf("expected slo_launch_freeze block, got %+v", result.LaunchBlocked)
	}

	var jobs int64
	db.Model(&models.PromotionJob{}).Count(&jobs)
	if jobs != 0 {
		t.Fatalf("expected no promotion jobs, got %d", jobs)
	}
}

func TestAutoplanService_AutoLaunchQueuesWork(t *testing.T) {
	db := newAutoplanTestDB(t)
	seedResearch(t, db, "gogo.com", 1, "")

	signals := &stubSignalSource{priorities: []RoiPriority{scalePriority("gogo.com", 1)}}
	svc := newTestAutoplanService(db, signals, &stubBurnSource{burns: healthyBurns()})

	result, err := svc.ApplyAutoplan(context.Background(), adminUser(), ApplyRequest{
		Reason:         "healthy launch window",
		AutoLaunch:     true,
		LaunchPriority: 7,
	})
	if err != nil {
		t.Fatalf("ApplyAutoplan failed: %v", err)
	}
	if len(result.LaunchQueued) != 1 || result.LaunchQueued[0].Deduped {
		t.Fatalf("expected one fresh launch, got %+v", result.LaunchQueued)
	}

	var campaign models.Campaign
	db.First(&campaign, result.Created[0].CampaignID)
	if campaign.Status != "active" {
		t.Fatalf("auto-launched campaign must be active, got %s", campaign.Status)
	}

	// the requested launch priority rides along onto both job rows
	var job models.PromotionJob
	if err := db.First(&job, result.LaunchQueued[0].JobID).Error; err != nil {
		t.Fatalf("load promotion job: %v", err)
	}
	if job.Priority != 7 {
		t.Fatalf("promotion job must carry launch_priority, got %d", job.Priority)
	}
	payload, err := models.DecodeLaunchJobPayload(job.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Metadata["plan_reason"] != "healthy launch window" {
		t.Fatalf("payload must carry apply provenance, got %v", payload.Metadata)
	}
	var queueJob models.ContentQueueJob
	if err := db.First(&queueJob).Error; err != nil {
		t.Fatalf("expected one queue job: %v", err)
	}
	if queueJob.Priority != 7 {
		t.Fatalf("queue job must carry launch_priority, got %d", queueJob.Priority)
	}
}
