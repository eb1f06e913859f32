package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"growthgate/internal/config"
	"growthgate/internal/models"
	"growthgate/pkg/burnmetrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Freeze levels, worst first when comparing.
const (
	FreezeLevelHealthy  = "healthy"
	FreezeLevelWarning  = "warning"
	FreezeLevelCritical = "critical"
)

const freezeStateRowID = 1

// FreezeScope is the channel/action footprint of a launch attempt.
type FreezeScope struct {
	Channels []string `json:"channels"`
	Action   string   `json:"action"`
}

// WindowSummary is one observation window's burn measurement.
type WindowSummary struct {
	Window  string  `json:"window"`
	BurnPct float64 `json:"burn_pct"`
	Level   string  `json:"level"`
}

// FreezeState is the derived launch-freeze decision. It is recomputed per
// evaluation and never persisted; only the hysteresis counters live in the
// controller-state row.
type FreezeState struct {
	Level              string `json:"level"`
	RawActive          bool   `json:"raw_active"`
	Active             bool   `json:"active"`
	RecoveryHoldActive bool   `json:"recovery_hold_active"`

	RecoveryHealthyWindows         int `json:"recovery_healthy_windows"`
	RecoveryHealthyWindowsRequired int `json:"recovery_healthy_windows_required"`

	ReasonCodes     []string        `json:"reason_codes"`
	WindowSummaries []WindowSummary `json:"window_summaries"`

	// Effective blocked scope while Active.
	BlockedChannels []string `json:"blocked_channels"`
	BlockedActions  []string `json:"blocked_actions"`

	// Scope forced blocked by the override even when Active is false.
	OverrideBlockedChannels []string `json:"override_blocked_channels,omitempty"`
	OverrideBlockedActions  []string `json:"override_blocked_actions,omitempty"`

	EpisodeKey  string                 `json:"episode_key,omitempty"`
	Override    *models.FreezeOverride `json:"override,omitempty"`
	EvaluatedAt time.Time              `json:"evaluated_at"`
}

// FreezeService computes launch-freeze state from burn-rate windows and
// records freeze incidents for blocked launches.
type FreezeService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
	source burnmetrics.Source
	notify *NotifyService
	cfg    config.FreezeConfig
	slo    config.SLOConfig
}

// NewFreezeService wires the evaluator.
func NewFreezeService(db *gorm.DB, logger *logrus.Logger, source burnmetrics.Source, cfg config.FreezeConfig, slo config.SLOConfig, notify *NotifyService) *FreezeService {
	if logger == nil {
		logger = logrus.New()
	}
	return &FreezeService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("growthgate.freeze"),
		source: source,
		notify: notify,
		cfg:    cfg,
		slo:    slo,
	}
}

// Evaluate loads the currently active override (if any) and computes the
// freeze state. The override row is read-only here; governance owns it.
func (s *FreezeService) Evaluate(ctx context.Context) (*FreezeState, error) {
	override, err := s.activeOverride(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	return s.EvaluateWith(ctx, override)
}

// EvaluateWith computes the freeze state against an explicit override
// value. Governance uses it to preview the effect of a pending request.
//
// Recovery hysteresis counts evaluations, not wall-clock windows, but two
// healthy evaluations closer together than cfg.MinRecoverySpacing collapse
// into one counted window so a tight polling loop cannot fast-forward
// recovery.
func (s *FreezeService) EvaluateWith(ctx context.Context, override *models.FreezeOverride) (*FreezeState, error) {
	ctx, span := s.tracer.Start(ctx, "freeze.evaluate")
	defer span.End()

	now := time.Now()
	if override != nil && !override.ActiveAt(now) {
		override = nil
	}

	warning := s.cfg.WarningBurnPct
	critical := s.cfg.CriticalBurnPct
	required := s.cfg.RecoveryHealthyWindowsRequired
	blockedChannels := s.cfg.BlockedChannels
	blockedActions := s.cfg.BlockedActions
	if override != nil {
		if override.WarningBurnPct != nil {
			warning = *override.WarningBurnPct
		}
		if override.CriticalBurnPct != nil {
			critical = *override.CriticalBurnPct
		}
		if override.RecoveryHealthyWindowsRequired != nil {
			required = *override.RecoveryHealthyWindowsRequired
		}
		if override.BlockedChannels != nil {
			blockedChannels = override.BlockedChannelList()
		}
		if override.BlockedActions != nil {
			blockedActions = override.BlockedActionList()
		}
	}

	durations := make([]time.Duration, 0, len(s.slo.Windows))
	for _, w := range s.slo.Windows {
		durations = append(durations, w.Duration)
	}
	burns, err := s.source.WindowBurns(ctx, s.slo.Name, durations)
	if err != nil {
		span.RecordError(err)
		return nil, &DependencyError{Dependency: "metrics_source", Err: err}
	}

	level := FreezeLevelHealthy
	var reasons []string
	summaries := make([]WindowSummary, 0, len(burns))
	for i, wb := range burns {
		name := wb.Window
		if name == "" && i < len(s.slo.Windows) {
			name = s.slo.Windows[i].Name
		}
		wLevel := FreezeLevelHealthy
		switch {
		case wb.BurnPct >= critical:
			wLevel = FreezeLevelCritical
			reasons = append(reasons, "burn_critical_"+name)
		case wb.BurnPct >= warning:
			wLevel = FreezeLevelWarning
			reasons = append(reasons, "burn_warning_"+name)
		}
		if worseLevel(wLevel, level) {
			level = wLevel
		}
		summaries = append(summaries, WindowSummary{Window: name, BurnPct: wb.BurnPct, Level: wLevel})
	}
	rawActive := level != FreezeLevelHealthy

	st, err := s.advanceState(ctx, rawActive, level, required, now)
	if err != nil {
		return nil, err
	}

	active := rawActive || st.RecoveryHealthyWindows < required
	recoveryHold := !rawActive && active
	if recoveryHold {
		reasons = append(reasons, "recovery_hold")
	}
	if override != nil {
		reasons = append(reasons, "override_active")
	}

	state := &FreezeState{
		Level:                          level,
		RawActive:                      rawActive,
		Active:                         active,
		RecoveryHoldActive:             recoveryHold,
		RecoveryHealthyWindows:         st.RecoveryHealthyWindows,
		RecoveryHealthyWindowsRequired: required,
		ReasonCodes:                    reasons,
		WindowSummaries:                summaries,
		BlockedChannels:                blockedChannels,
		BlockedActions:                 blockedActions,
		EpisodeKey:                     st.EpisodeKey,
		Override:                       override,
		EvaluatedAt:                    now,
	}
	if override != nil {
		state.OverrideBlockedChannels = override.BlockedChannelList()
		state.OverrideBlockedActions = override.BlockedActionList()
	}

	span.SetAttributes(
		attribute.String("freeze.level", level),
		attribute.Bool("freeze.active", active),
		attribute.Int("freeze.recovery_windows", st.RecoveryHealthyWindows),
	)
	return state, nil
}

// advanceState applies one evaluation to the hysteresis counters using a
// version-conditioned write. A lost write re-reads the winning row instead
// of retrying, so a conflict can never manufacture a healthy window.
func (s *FreezeService) advanceState(ctx context.Context, rawActive bool, level string, required int, now time.Time) (*models.FreezeControllerState, error) {
	st, err := s.loadOrCreateState(ctx, required)
	if err != nil {
		return nil, err
	}

	next := *st
	next.RawActive = rawActive
	next.Level = level
	next.LastEvaluatedAt = now
	if rawActive {
		if !st.RawActive || st.EpisodeKey == "" {
			next.EpisodeKey = uuid.NewString()
			s.logger.Warnf("launch freeze episode started: level=%s episode=%s", level, next.EpisodeKey)
		}
		next.RecoveryHealthyWindows = 0
		next.LastHealthyAt = nil
	} else {
		switch {
		case st.RawActive:
			// first healthy evaluation after a breach
			next.RecoveryHealthyWindows = 1
			next.LastHealthyAt = &now
		case st.LastHealthyAt == nil || now.Sub(*st.LastHealthyAt) >= s.cfg.MinRecoverySpacing:
			if st.RecoveryHealthyWindows < 9999 {
				next.RecoveryHealthyWindows = st.RecoveryHealthyWindows + 1
			}
			next.LastHealthyAt = &now
		}
		if next.RecoveryHealthyWindows >= required && next.EpisodeKey != "" {
			s.logger.Infof("launch freeze episode recovered: episode=%s windows=%d", next.EpisodeKey, next.RecoveryHealthyWindows)
			next.EpisodeKey = ""
		}
	}

	res := s.db.WithContext(ctx).Model(&models.FreezeControllerState{}).
		Where("id = ? AND version = ?", freezeStateRowID, st.Version).
		Updates(map[string]interface{}{
			"raw_active":               next.RawActive,
			"level":                    next.Level,
			"episode_key":              next.EpisodeKey,
			"recovery_healthy_windows": next.RecoveryHealthyWindows,
			"last_healthy_at":          next.LastHealthyAt,
			"last_evaluated_at":        next.LastEvaluatedAt,
			"version":                  st.Version + 1,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("update freeze state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// a concurrent evaluation won; report its state
		var winner models.FreezeControllerState
		if err := s.db.WithContext(ctx).First(&winner, freezeStateRowID).Error; err != nil {
			return nil, fmt.Errorf("reload freeze state: %w", err)
		}
		return &winner, nil
	}
	next.Version = st.Version + 1
	return &next, nil
}

func (s *FreezeService) loadOrCreateState(ctx context.Context, required int) (*models.FreezeControllerState, error) {
	var st models.FreezeControllerState
	err := s.db.WithContext(ctx).First(&st, freezeStateRowID).Error
	if err == nil {
		return &st, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("load freeze state: %w", err)
	}
	// seed satisfied so a fresh deployment does not boot frozen
	st = models.FreezeControllerState{
		ID:                     freezeStateRowID,
		Level:                  FreezeLevelHealthy,
		RecoveryHealthyWindows: required,
		LastEvaluatedAt:        time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&st).Error; err != nil {
		// lost a create race; the row exists now
		var again models.FreezeControllerState
		if err2 := s.db.WithContext(ctx).First(&again, freezeStateRowID).Error; err2 == nil {
			return &again, nil
		}
		return nil, fmt.Errorf("seed freeze state: %w", err)
	}
	return &st, nil
}

func (s *FreezeService) activeOverride(ctx context.Context, now time.Time) (*models.FreezeOverride, error) {
	var ov models.FreezeOverride
	err := s.db.WithContext(ctx).
		Where("cleared_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", now).
		Order("id DESC").
		First(&ov).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active override: %w", err)
	}
	return &ov, nil
}

// ShouldBlockLaunchForScope reports whether a launch with the given scope
// must be blocked. The block is scoped: a campaign entirely outside the
// blocked channel/action lists may launch even while the controller is
// nominally frozen for other scopes. An override's blocked lists apply
// regardless of raw burn state.
func (s *FreezeService) ShouldBlockLaunchForScope(state *FreezeState, scope FreezeScope) bool {
	if state == nil {
		return false
	}
	if intersects(scope.Channels, state.OverrideBlockedChannels) || containsString(state.OverrideBlockedActions, scope.Action) {
		return true
	}
	if !state.Active {
		return false
	}
	return intersects(scope.Channels, state.BlockedChannels) || containsString(state.BlockedActions, scope.Action)
}

// EmitLaunchFreezeIncident records a postmortem-requiring incident for a
// blocked launch, deduplicated per freeze episode.
func (s *FreezeService) EmitLaunchFreezeIncident(ctx context.Context, state *FreezeState, scope FreezeScope) (*models.FreezeIncident, error) {
	ctx, span := s.tracer.Start(ctx, "freeze.emit_incident")
	defer span.End()

	episode := state.EpisodeKey
	if episode == "" && state.Override != nil {
		episode = fmt.Sprintf("override-%d", state.Override.ID)
	}
	if episode == "" {
		episode = "adhoc-" + uuid.NewString()
	}

	var existing models.FreezeIncident
	err := s.db.WithContext(ctx).Where("episode_key = ?", episode).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		span.RecordError(err)
		return nil, fmt.Errorf("check existing incident: %w", err)
	}

	scopeJSON, _ := json.Marshal(scope)
	incident := &models.FreezeIncident{
		IncidentKey:        "frz-" + uuid.NewString(),
		EpisodeKey:         episode,
		Level:              state.Level,
		ReasonCodes:        strings.Join(state.ReasonCodes, ","),
		Scope:              string(scopeJSON),
		RequiresPostmortem: true,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(incident).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create freeze incident: %w", err)
	}

	s.logger.Warnf("growth launch freeze incident: key=%s episode=%s level=%s", incident.IncidentKey, episode, state.Level)
	if s.notify != nil {
		s.notify.Notify(ctx, "growth_launch_freeze", map[string]interface{}{
			"incident_key": incident.IncidentKey,
			"episode_key":  episode,
			"level":        state.Level,
			"reasons":      state.ReasonCodes,
		})
	}
	return incident, nil
}

// StartFreezeMonitor evaluates periodically so recovery hysteresis keeps
// advancing even when no launch traffic arrives.
func (s *FreezeService) StartFreezeMonitor(ctx context.Context, interval time.Duration) {
	s.logger.Info("Starting launch freeze monitor")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastLevel := ""
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Launch freeze monitor stopped")
			return
		case <-ticker.C:
			state, err := s.Evaluate(ctx)
			if err != nil {
				s.logger.Errorf("freeze monitor evaluation failed: %v", err)
				continue
			}
			if state.Level != lastLevel {
				s.logger.Infof("freeze level transition: %s -> %s (active=%v)", lastLevel, state.Level, state.Active)
				lastLevel = state.Level
			}
		}
	}
}

func worseLevel(a, b string) bool {
	rank := map[string]int{FreezeLevelHealthy: 0, FreezeLevelWarning: 1, FreezeLevelCritical: 2}
	return rank[a] > rank[b]
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
