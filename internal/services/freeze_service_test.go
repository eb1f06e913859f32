package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"growthgate/internal/config"
	"growthgate/internal/models"
	"growthgate/pkg/burnmetrics"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type stubBurnSource struct {
	burns []burnmetrics.WindowBurn
	err   error
}

func (s *stubBurnSource) WindowBurns(ctx context.Context, slo string, windows []time.Duration) ([]burnmetrics.WindowBurn, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.burns, nil
}

func (s *stubBurnSource) HealthCheck(ctx context.Context) error { return s.err }

func newFreezeTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.FreezeControllerState{}, &models.FreezeOverride{}, &models.FreezeIncident{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func freezeTestConfig() config.FreezeConfig {
	return config.FreezeConfig{
		WarningBurnPct:                 50,
		CriticalBurnPct:                100,
		RecoveryHealthyWindowsRequired: 2,
		MinRecoverySpacing:             0,
		BlockedChannels:                []string{models.ChannelPinterest, models.ChannelYouTubeShorts},
		BlockedActions:                 []string{models.ActionScale, models.ActionOptimize, models.ActionRecover, models.ActionIncubate},
	}
}

func sloTestConfig() config.SLOConfig {
	return config.SLOConfig{
		Name: "publish-availability",
		Windows: []config.BurnWindowConfig{
			{Name: "5m", Duration: 5 * time.Minute},
			{Name: "1h", Duration: time.Hour},
		},
	}
}

func newTestFreezeService(db *gorm.DB, source burnmetrics.Source) *FreezeService {
	return NewFreezeService(db, logrus.New(), source, freezeTestConfig(), sloTestConfig(), nil)
}

func healthyBurns() []burnmetrics.WindowBurn {
	return []burnmetrics.WindowBurn{
		{Window: "5m", BurnPct: 10},
		{Window: "1h", BurnPct: 5},
	}
}

func criticalBurns() []burnmetrics.WindowBurn {
	return []burnmetrics.WindowBurn{
		{Window: "5m", BurnPct: 150},
		{Window: "1h", BurnPct: 20},
	}
}

func TestFreezeService_FreshSystemIsNotFrozen(t *testing.T) {
	db := newFreezeTestDB(t)
	source := &stubBurnSource{burns: healthyBurns()}
	svc := newTestFreezeService(db, source)

	state, err := svc.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if state.Active {
		t.Fatalf("fresh healthy system should not be frozen: %+v", state)
	}
	if state.Level != FreezeLevelHealthy {
		t.Fatalf("expected healthy level, got %s", state.Level)
	}
}

func TestFreezeService_RecoveryHysteresis(t *testing.T) {
	db := newFreezeTestDB(t)
	source := &stubBurnSource{burns: criticalBurns()}
	svc := newTestFreezeService(db, source)
	ctx := context.Background()

	state, err := svc.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !state.Active || state.Level != FreezeLevelCritical {
		t.Fatalf("expected active critical freeze, got %+v", state)
	}
	if state.EpisodeKey == "" {
		t.Fatal("expected an episode key while frozen")
	}
	episode := state.EpisodeKey

	// first healthy evaluation: raw recovered, hold still active
	source.burns = healthyBurns()
	state, err = svc.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if state.RawActive {
		t.Fatal("raw state should be healthy")
	}
	if !state.Active || !state.RecoveryHoldActive {
		t.Fatalf("expected recovery hold after one healthy window, got %+v", state)
	}
	if state.RecoveryHealthyWindows != 1 {
		t.Fatalf("expected 1 healthy window, got %d", state.RecoveryHealthyWindows)
	}
	if state.EpisodeKey != episode {
		t.Fatalf("episode key must persist through recovery hold")
	}

	// second healthy evaluation satisfies the requirement
	state, err = svc.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if state.Active {
		t.Fatalf("freeze should lift after %d healthy windows, got %+v", 2, state)
	}
	if state.EpisodeKey != "" {
		t.Fatal("episode key should clear on recovery")
	}
}

func TestFreezeService_MinRecoverySpacingCollapsesWindows(t *testing.T) {
	db := newFreezeTestDB(t)
	source := &stubBurnSource{burns: criticalBurns()}
	svc := NewFreezeService(db, logrus.New(), source, config.FreezeConfig{
		WarningBurnPct:                 50,
		CriticalBurnPct:                100,
		RecoveryHealthyWindowsRequired: 2,
		MinRecoverySpacing:             time.Hour,
		BlockedChannels:                []string{models.ChannelPinterest},
		BlockedActions:                 []string{models.ActionScale},
	}, sloTestConfig(), nil)
	ctx := context.Background()

	if _, err := svc.Evaluate(ctx); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	source.burns = healthyBurns()
	for i := 0; i < 5; i++ {
		state, err := svc.Evaluate(ctx)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		// tight polling may not fast-forward past the first window
		if state.RecoveryHealthyWindows > 1 {
			t.Fatalf("expected spacing to collapse rapid healthy evals, got %d", state.RecoveryHealthyWindows)
		}
		if !state.Active {
			t.Fatal("freeze must stay active until spaced windows accumulate")
		}
	}
}

func TestFreezeService_ScopedBlocking(t *testing.T) {
	db := newFreezeTestDB(t)
	source := &stubBurnSource{burns: criticalBurns()}
	svc := NewFreezeService(db, logrus.New(), source, config.FreezeConfig{
		WarningBurnPct:                 50,
		CriticalBurnPct:                100,
		RecoveryHealthyWindowsRequired: 1,
		BlockedChannels:                []string{models.ChannelPinterest},
		BlockedActions:                 []string{models.ActionScale},
	}, sloTestConfig(), nil)

	state, err := svc.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !state.Active {
		t.Fatal("expected active freeze")
	}

	if !svc.ShouldBlockLaunchForScope(state, FreezeScope{Channels: []string{models.ChannelPinterest}}) {
		t.Fatal("pinterest scope must be blocked")
	}
	if svc.ShouldBlockLaunchForScope(state, FreezeScope{Channels: []string{models.ChannelYouTubeShorts}, Action: models.ActionIncubate}) {
		t.Fatal("scope outside blocked lists must pass even while frozen")
	}
	if !svc.ShouldBlockLaunchForScope(state, FreezeScope{Channels: []string{models.ChannelYouTubeShorts}, Action: models.ActionScale}) {
		t.Fatal("blocked action must block regardless of channel")
	}
}

func TestFreezeService_OverrideForcesBlockedScope(t *testing.T) {
	db := newFreezeTestDB(t)
	source := &stubBurnSource{burns: healthyBurns()}
	svc := newTestFreezeService(db, source)

	blocked := models.ChannelPinterest
	override := &models.FreezeOverride{BlockedChannels: &blocked, Reason: "demand shaping for incident"}
	if err := db.Create(override).Error; err != nil {
		t.Fatalf("create override: %v", err)
	}

	state, err := svc.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if state.RawActive {
		t.Fatal("burn state should be healthy")
	}
	if !svc.ShouldBlockLaunchForScope(state, FreezeScope{Channels: []string{models.ChannelPinterest}}) {
		t.Fatal("override-blocked channel must block independent of burn state")
	}
	if svc.ShouldBlockLaunchForScope(state, FreezeScope{Channels: []string{models.ChannelYouTubeShorts}}) {
		t.Fatal("channels outside override scope must pass")
	}
}

func TestFreezeService_IncidentDedupPerEpisode(t *testing.T) {
	db := newFreezeTestDB(t)
	source := &stubBurnSource{burns: criticalBurns()}
	svc := newTestFreezeService(db, source)
	ctx := context.Background()

	state, err := svc.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	scope := FreezeScope{Channels: []string{models.ChannelPinterest}, Action: models.ActionScale}
	first, err := svc.EmitLaunchFreezeIncident(ctx, state, scope)
	if err != nil {
		t.Fatalf("EmitLaunchFreezeIncident failed: %v", err)
	}
	second, err := svc.EmitLaunchFreezeIncident(ctx, state, scope)
	if err != nil {
		t.Fatalf("EmitLaunchFreezeIncident second call failed: %v", err)
	}
	if first.ID != second.ID || first.IncidentKey != second.IncidentKey {
		t.Fatalf("expected episode dedup, got %d and %d", first.ID, second.ID)
	}

	var count int64
	db.Model(&models.FreezeIncident{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected a single incident row, got %d", count)
	}
}

func TestFreezeService_MetricsSourceFailure(t *testing.T) {
	db := newFreezeTestDB(t)
	source := &stubBurnSource{err: errors.New("connection refused")}
	svc := newTestFreezeService(db, source)

	_, err := svc.Evaluate(context.Background())
	if err == nil {
		t.Fatal("expected error when metrics source is down")
	}
	var dep *DependencyError
	if !errors.As(err, &dep) {
		t.Fatalf("expected DependencyError, got %T: %v", err, err)
	}
}
