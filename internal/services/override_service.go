package services

import (
	"context"
	"encoding/json"
	"fmt"
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

const minOverrideReasonLen = 12

var knownChannels = []string{models.ChannelPinterest, models.ChannelYouTubeShorts}
var knownActions = []string{models.ActionScale, models.ActionOptimize, models.ActionRecover, models.ActionIncubate}

// OverrideService owns freeze override governance: direct applies by
// privileged actors, the request/approve lifecycle for everyone else, the
// audit journal, and postmortem tracking.
type OverrideService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
	notify *NotifyService
	cfg    config.GovernanceConfig
	freeze config.FreezeConfig
}

func NewOverrideService(db *gorm.DB, logger *logrus.Logger, cfg config.GovernanceConfig, freeze config.FreezeConfig, notify *NotifyService) *OverrideService {
	if logger == nil {
		logger = logrus.New()
	}
	return &OverrideService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("growthgate.override"),
		notify: notify,
		cfg:    cfg,
		freeze: freeze,
	}
}

// CanMutateOverride reports whether the role may apply or clear overrides
// directly.
func (s *OverrideService) CanMutateOverride(role string) bool {
	return roleIn(role, s.cfg.PrivilegedRoles)
}

func (s *OverrideService) canRequestOverride(role string) bool {
	return roleIn(role, s.cfg.RequesterRoles) || roleIn(role, s.cfg.PrivilegedRoles)
}

// ValidateOverride checks governance bounds on an override payload. Burn
// thresholds combine with the base config so a partial override cannot
// invert the warning/critical ordering.
func (s *OverrideService) ValidateOverride(p *models.OverridePayload, reason string, expiresAt *time.Time, now time.Time) error {
	if p == nil || p.Empty() {
		return validationf("empty_override", "override must change at least one field")
	}
	if len(strings.TrimSpace(reason)) < minOverrideReasonLen {
		return validationf("reason_too_short", "override reason must be at least %d characters", minOverrideReasonLen)
	}
	if !s.differsFromBase(p) {
		return validationf("override_matches_base", "override must differ from the base freeze config in at least one field")
	}

	warning := s.freeze.WarningBurnPct
	critical := s.freeze.CriticalBurnPct
	if p.WarningBurnPct != nil {
		if *p.WarningBurnPct < 1 || *p.WarningBurnPct > 1000 {
			return validationf("burn_pct_out_of_range", "warning burn pct %v outside [1,1000]", *p.WarningBurnPct)
		}
		warning = *p.WarningBurnPct
	}
	if p.CriticalBurnPct != nil {
		if *p.CriticalBurnPct < 1 || *p.CriticalBurnPct > 1000 {
			return validationf("burn_pct_out_of_range", "critical burn pct %v outside [1,1000]", *p.CriticalBurnPct)
		}
		critical = *p.CriticalBurnPct
	}
	if warning >= critical {
		return validationf("threshold_inversion", "warning burn pct %v must be below critical %v", warning, critical)
	}
	if p.RecoveryHealthyWindowsRequired != nil {
		if *p.RecoveryHealthyWindowsRequired < 1 || *p.RecoveryHealthyWindowsRequired > 48 {
			return validationf("recovery_windows_out_of_range", "recovery windows %d outside [1,48]", *p.RecoveryHealthyWindowsRequired)
		}
	}
	for _, ch := range p.BlockedChannels {
		if !roleIn(ch, knownChannels) {
			return validationf("unknown_channel", "unknown channel %q", ch)
		}
	}
	for _, a := range p.BlockedActions {
		if !roleIn(a, knownActions) {
			return validationf("unknown_action", "unknown action %q", a)
		}
	}
	if expiresAt != nil {
		if !expiresAt.After(now) {
			return validationf("expiry_in_past", "override expiry must be in the future")
		}
		if expiresAt.Sub(now) > s.cfg.MaxOverrideTTL {
			return validationf("expiry_too_far", "override expiry exceeds maximum TTL of %s", s.cfg.MaxOverrideTTL)
		}
	}
	return nil
}

// differsFromBase reports whether any set override field changes the base
// freeze config. An override that restates the base values would install
// and audit without changing behavior.
func (s *OverrideService) differsFromBase(p *models.OverridePayload) bool {
	if p.WarningBurnPct != nil && *p.WarningBurnPct != s.freeze.WarningBurnPct {
		return true
	}
	if p.CriticalBurnPct != nil && *p.CriticalBurnPct != s.freeze.CriticalBurnPct {
		return true
	}
	if p.RecoveryHealthyWindowsRequired != nil && *p.RecoveryHealthyWindowsRequired != s.freeze.RecoveryHealthyWindowsRequired {
		return true
	}
	if len(p.BlockedChannels) > 0 && !sameStringSet(p.BlockedChannels, s.freeze.BlockedChannels) {
		return true
	}
	if len(p.BlockedActions) > 0 && !sameStringSet(p.BlockedActions, s.freeze.BlockedActions) {
		return true
	}
	return false
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, v := range a {
		if !roleIn(v, b) {
			return false
		}
	}
	return true
}

// ApplyOverride installs a new override, clearing any previously active
// one. Privileged roles only.
func (s *OverrideService) ApplyOverride(ctx context.Context, actor *models.User, p *models.OverridePayload, reason string, expiresAt *time.Time, incidentKey, postmortemURL string) (*models.FreezeOverride, error) {
	ctx, span := s.tracer.Start(ctx, "override.apply")
	defer span.End()

	if !s.CanMutateOverride(actor.Role) {
		return nil, policyf("role_forbidden", "role %q may not apply freeze overrides", actor.Role)
	}
	now := time.Now()
	if err := s.ValidateOverride(p, reason, expiresAt, now); err != nil {
		return nil, err
	}

	baseSnapshot, err := json.Marshal(s.freeze)
	if err != nil {
		return nil, fmt.Errorf("snapshot base config: %w", err)
	}

	override := &models.FreezeOverride{
		BaseConfig:                     string(baseSnapshot),
		WarningBurnPct:                 p.WarningBurnPct,
		CriticalBurnPct:                p.CriticalBurnPct,
		RecoveryHealthyWindowsRequired: p.RecoveryHealthyWindowsRequired,
		Reason:                         reason,
		ExpiresAt:                      expiresAt,
		PostmortemURL:                  postmortemURL,
		IncidentKey:                    incidentKey,
		AppliedByUserID:                actor.ID,
	}
	if len(p.BlockedChannels) > 0 {
		csv := strings.Join(p.BlockedChannels, ",")
		override.BlockedChannels = &csv
	}
	if len(p.BlockedActions) > 0 {
		csv := strings.Join(p.BlockedActions, ",")
		override.BlockedActions = &csv
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// at most one active override; the new one supersedes
		if err := tx.Model(&models.FreezeOverride{}).
			Where("cleared_at IS NULL").
			Updates(map[string]interface{}{"cleared_at": now, "cleared_by_user_id": actor.ID}).Error; err != nil {
			return fmt.Errorf("supersede active override: %w", err)
		}
		if err := tx.Create(override).Error; err != nil {
			return fmt.Errorf("create override: %w", err)
		}
		detail, _ := p.Encode()
		audit := &models.OverrideAudit{
			Action:     "applied",
			OverrideID: override.ID,
			ActorID:    actor.ID,
			Reason:     reason,
			Detail:     detail,
		}
		return tx.Create(audit).Error
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("override.id", int(override.ID)))
	s.logger.Warnf("freeze override applied: id=%d actor=%d reason=%q", override.ID, actor.ID, reason)
	if s.notify != nil {
		s.notify.Notify(ctx, "freeze_override_applied", map[string]interface{}{
			"override_id": override.ID,
			"actor_id":    actor.ID,
			"reason":      reason,
		})
	}
	return override, nil
}

// ClearOverride retires the active override. Idempotent: clearing when no
// override is active reports cleared=false with no error and no audit row.
func (s *OverrideService) ClearOverride(ctx context.Context, actor *models.User, reason string) (*models.FreezeOverride, bool, error) {
	ctx, span := s.tracer.Start(ctx, "override.clear")
	defer span.End()

	if !s.CanMutateOverride(actor.Role) {
		return nil, false, policyf("role_forbidden", "role %q may not clear freeze overrides", actor.Role)
	}

	now := time.Now()
	var override models.FreezeOverride
	err := s.db.WithContext(ctx).
		Where("cleared_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", now).
		Order("id DESC").
		First(&override).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load active override: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.FreezeOverride{}).
			Where("id = ? AND cleared_at IS NULL", override.ID).
			Updates(map[string]interface{}{"cleared_at": now, "cleared_by_user_id": actor.ID})
		if res.Error != nil {
			return fmt.Errorf("clear override: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return conflictf("already_cleared", "override %d was cleared concurrently", override.ID)
		}
		audit := &models.OverrideAudit{
			Action:     "cleared",
			OverrideID: override.ID,
			ActorID:    actor.ID,
			Reason:     reason,
		}
		return tx.Create(audit).Error
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	override.ClearedAt = &now
	override.ClearedByUserID = &actor.ID
	s.logger.Infof("freeze override cleared: id=%d actor=%d", override.ID, actor.ID)
	if s.notify != nil {
		s.notify.Notify(ctx, "freeze_override_cleared", map[string]interface{}{
			"override_id": override.ID,
			"actor_id":    actor.ID,
		})
	}
	return &override, true, nil
}

// CreateOverrideRequest opens a pending request for a non-privileged actor.
// The request carries the full override payload and expires unreviewed
// after the governance request TTL.
func (s *OverrideService) CreateOverrideRequest(ctx context.Context, actor *models.User, p *models.OverridePayload, reason string) (*models.OverrideRequest, error) {
	ctx, span := s.tracer.Start(ctx, "override.create_request")
	defer span.End()

	if !s.canRequestOverride(actor.Role) {
		return nil, policyf("role_forbidden", "role %q may not request freeze overrides", actor.Role)
	}
	now := time.Now()
	if err := s.ValidateOverride(p, reason, nil, now); err != nil {
		return nil, err
	}

	payload, err := p.Encode()
	if err != nil {
		return nil, err
	}
	req := &models.OverrideRequest{
		Payload:         payload,
		Reason:          reason,
		RequestedByUser: actor.ID,
		RequestedByRole: actor.Role,
		Status:          "pending",
		ExpiresAt:       now.Add(s.cfg.RequestTTL),
	}
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create override request: %w", err)
	}

	s.logger.Infof("override request created: id=%d actor=%d", req.ID, actor.ID)
	if s.notify != nil {
		s.notify.Notify(ctx, "override_requested", map[string]interface{}{
			"request_id": req.ID,
			"actor_id":   actor.ID,
			"reason":     reason,
		})
	}
	return req, nil
}

// DecideOverrideRequest approves or rejects a pending request. Approval
// applies the requested override on behalf of the decider. The transition
// is a conditional pending-only update, so concurrent deciders conflict
// instead of double-applying, and a requester can never decide their own
// request.
func (s *OverrideService) DecideOverrideRequest(ctx context.Context, actor *models.User, requestID uint, approve bool, decisionReason string, expiresAt *time.Time) (*models.OverrideRequest, error) {
	ctx, span := s.tracer.Start(ctx, "override.decide_request")
	defer span.End()

	if !s.CanMutateOverride(actor.Role) {
		return nil, policyf("role_forbidden", "role %q may not decide override requests", actor.Role)
	}

	var req models.OverrideRequest
	if err := s.db.WithContext(ctx).First(&req, requestID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, notFoundf("override_request", "override request %d not found", requestID)
		}
		return nil, fmt.Errorf("load override request: %w", err)
	}
	if req.Status != "pending" {
		return nil, conflictf("already_decided", "override request %d is %s", requestID, req.Status)
	}
	if req.RequestedByUser == actor.ID {
		return nil, policyf("self_approval", "request %d cannot be decided by its requester", requestID)
	}
	now := time.Now()
	if !req.ExpiresAt.IsZero() && req.ExpiresAt.Before(now) {
		return nil, conflictf("request_expired", "override request %d expired at %s", requestID, req.ExpiresAt.Format(time.RFC3339))
	}

	status := "rejected"
	var applied *models.FreezeOverride
	if approve {
		payload, err := models.DecodeOverridePayload(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode request payload: %w", err)
		}
		applied, err = s.ApplyOverride(ctx, actor, payload, req.Reason, expiresAt, "", "")
		if err != nil {
			return nil, err
		}
		status = "approved"
	}

	updates := map[string]interface{}{
		"status":             status,
		"decision_reason":    decisionReason,
		"decided_by_user_id": actor.ID,
		"decided_at":         now,
	}
	if applied != nil {
		updates["override_id"] = applied.ID
	}
	res := s.db.WithContext(ctx).Model(&models.OverrideRequest{}).
		Where("id = ? AND status = ?", requestID, "pending").
		Updates(updates)
	if res.Error != nil {
		span.RecordError(res.Error)
		return nil, fmt.Errorf("decide override request: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, conflictf("already_decided", "override request %d was decided concurrently", requestID)
	}

	if err := s.db.WithContext(ctx).First(&req, requestID).Error; err != nil {
		return nil, fmt.Errorf("reload override request: %w", err)
	}
	s.logger.Infof("override request %d %s by actor=%d", requestID, status, actor.ID)
	return &req, nil
}

// ExpirePendingRequests sweeps pending requests past their TTL.
func (s *OverrideService) ExpirePendingRequests(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.OverrideRequest{}).
		Where("status = ? AND expires_at < ?", "pending", time.Now()).
		Update("status", "expired")
	if res.Error != nil {
		return 0, fmt.Errorf("expire override requests: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Infof("expired %d stale override requests", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// ListOverrideHistory returns the most recent audit entries, newest first.
func (s *OverrideService) ListOverrideHistory(ctx context.Context, limit int) ([]models.OverrideAudit, error) {
	if limit <= 0 || limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}
	var audits []models.OverrideAudit
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&audits).Error
	if err != nil {
		return nil, fmt.Errorf("list override history: %w", err)
	}
	return audits, nil
}

// ListPendingRequests returns undecided requests, oldest first.
func (s *OverrideService) ListPendingRequests(ctx context.Context) ([]models.OverrideRequest, error) {
	var reqs []models.OverrideRequest
	err := s.db.WithContext(ctx).
		Where("status = ?", "pending").
		Order("id ASC").
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	return reqs, nil
}

// RecordPostmortemCompletion marks a freeze incident's postmortem done.
func (s *OverrideService) RecordPostmortemCompletion(ctx context.Context, actor *models.User, incidentKey, url, notes string) (*models.FreezeIncident, error) {
	ctx, span := s.tracer.Start(ctx, "override.record_postmortem")
	defer span.End()

	if url == "" {
		return nil, validationf("postmortem_url_required", "a postmortem URL is required")
	}
	var incident models.FreezeIncident
	err := s.db.WithContext(ctx).Where("incident_key = ?", incidentKey).First(&incident).Error
	if err == gorm.ErrRecordNotFound {
		return nil, notFoundf("freeze_incident", "incident %q not found", incidentKey)
	}
	if err != nil {
		return nil, fmt.Errorf("load incident: %w", err)
	}
	if incident.PostmortemCompletedAt != nil {
		return nil, conflictf("postmortem_done", "incident %q postmortem already completed", incidentKey)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"postmortem_url":          url,
		"postmortem_completed_at": now,
		"postmortem_completed_by": actor.ID,
		"notes":                   notes,
	}
	if err := s.db.WithContext(ctx).Model(&incident).Updates(updates).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("record postmortem: %w", err)
	}
	if err := s.db.WithContext(ctx).First(&incident, incident.ID).Error; err != nil {
		return nil, fmt.Errorf("reload incident: %w", err)
	}
	s.logger.Infof("postmortem completed for incident %s by actor=%d", incidentKey, actor.ID)
	return &incident, nil
}

// PostmortemSummary is the outstanding-postmortem report.
type PostmortemSummary struct {
	Outstanding []models.FreezeIncident `json:"outstanding"`
	OverdueKeys []string                `json:"overdue_keys"`
	SLA         string                  `json:"sla"`
}

// SummarizePostmortems lists incidents with incomplete postmortems and
// flags the ones past the governance SLA.
func (s *OverrideService) SummarizePostmortems(ctx context.Context) (*PostmortemSummary, error) {
	var incidents []models.FreezeIncident
	err := s.db.WithContext(ctx).
		Where("requires_postmortem = ? AND postmortem_completed_at IS NULL", true).
		Order("created_at ASC").
		Find(&incidents).Error
	if err != nil {
		return nil, fmt.Errorf("list outstanding postmortems: %w", err)
	}

	deadline := time.Now().Add(-s.cfg.PostmortemSLA)
	summary := &PostmortemSummary{
		Outstanding: incidents,
		SLA:         s.cfg.PostmortemSLA.String(),
	}
	for _, inc := range incidents {
		if inc.CreatedAt.Before(deadline) {
			summary.OverdueKeys = append(summary.OverdueKeys, inc.IncidentKey)
		}
	}
	return summary, nil
}

func roleIn(v string, list []string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
