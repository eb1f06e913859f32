package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"growthgate/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const signalWindowDays = 30

// RoiPriority is one domain's ranked growth signal.
type RoiPriority struct {
	DomainResearchID uint     `json:"domain_research_id"`
	DomainID         uint     `json:"domain_id"`
	Domain           string   `json:"domain"`
	Score            float64  `json:"score"`
	Action           string   `json:"action"`
	Net30d           *float64 `json:"net_30d"`
	RoiPct           *float64 `json:"roi_pct"`
	WindowDays       int      `json:"window_days"`
	Reasons          []string `json:"reasons"`
}

// RoiSignalSource feeds the autoplanner with ranked domains.
type RoiSignalSource interface {
	GetDomainPriorities(ctx context.Context, limit, windowDays int) ([]RoiPriority, error)
}

// SignalService derives ROI priorities from the daily finance rollups.
type SignalService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
}

func NewSignalService(db *gorm.DB, logger *logrus.Logger) *SignalService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SignalService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("growthgate.signal"),
	}
}

type financeRollup struct {
	DomainID uint
	Domain   string
	Revenue  float64
	Spend    float64
	Net      float64
	Sessions int
}

// GetDomainPriorities aggregates the trailing windowDays of finance data
// per domain and classifies each into an action. Domains without a
// research record still rank; the planner rejects them with its own
// reason code.
func (s *SignalService) GetDomainPriorities(ctx context.Context, limit, windowDays int) ([]RoiPriority, error) {
	ctx, span := s.tracer.Start(ctx, "signal.domain_priorities")
	defer span.End()

	if windowDays <= 0 {
		windowDays = signalWindowDays
	}
	since := time.Now().AddDate(0, 0, -windowDays)

	var rollups []financeRollup
	err := s.db.WithContext(ctx).
		Model(&models.DomainFinanceDaily{}).
		Select("domain_id, domain, SUM(revenue) as revenue, SUM(spend) as spend, SUM(net) as net, SUM(sessions) as sessions").
		Where("date >= ?", since).
		Group("domain_id, domain").
		Scan(&rollups).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("aggregate finance rollups: %w", err)
	}

	// research lookup by domain string, one query
	domains := make([]string, 0, len(rollups))
	for _, r := range rollups {
		domains = append(domains, r.Domain)
	}
	researchByDomain := map[string]models.DomainResearch{}
	if len(domains) > 0 {
		var research []models.DomainResearch
		if err := s.db.WithContext(ctx).Where("domain IN ?", domains).Find(&research).Error; err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("load domain research: %w", err)
		}
		for _, r := range research {
			researchByDomain[r.Domain] = r
		}
	}

	priorities := make([]RoiPriority, 0, len(rollups))
	for _, r := range rollups {
		p := classifyRollup(r, windowDays)
		if dr, ok := researchByDomain[r.Domain]; ok {
			p.DomainResearchID = dr.ID
		}
		priorities = append(priorities, p)
	}

	// highest score first; domain name breaks ties for stable output
	sort.Slice(priorities, func(i, j int) bool {
		if priorities[i].Score != priorities[j].Score {
			return priorities[i].Score > priorities[j].Score
		}
		return priorities[i].Domain < priorities[j].Domain
	})
	if limit > 0 && len(priorities) > limit {
		priorities = priorities[:limit]
	}

	span.SetAttributes(attribute.Int("signal.priorities", len(priorities)))
	return priorities, nil
}

// classifyRollup turns a finance rollup into a scored action. The score is
// 0-100: a neutral 50 shifted by trailing ROI and net sign.
func classifyRollup(r financeRollup, windowDays int) RoiPriority {
	net := r.Net
	p := RoiPriority{
		DomainID:   r.DomainID,
		Domain:     r.Domain,
		Net30d:     &net,
		WindowDays: windowDays,
	}

	score := 50.0
	if r.Spend > 0 {
		roi := (r.Revenue - r.Spend) / r.Spend * 100
		p.RoiPct = &roi
		score += clamp(roi*0.3, -30, 40)
		p.Reasons = append(p.Reasons, fmt.Sprintf("roi_%dd=%.1f%%", windowDays, roi))
	} else {
		p.Reasons = append(p.Reasons, "no_spend_in_window")
	}
	switch {
	case net > 0:
		score += 10
		p.Reasons = append(p.Reasons, fmt.Sprintf("net_%dd_positive=%.2f", windowDays, net))
	case net < 0:
		score -= 10
		p.Reasons = append(p.Reasons, fmt.Sprintf("net_%dd_negative=%.2f", windowDays, net))
	}
	p.Score = clamp(score, 0, 100)

	switch {
	case p.Score >= 85:
		p.Action = models.ActionScale
	case p.Score >= 70:
		p.Action = models.ActionOptimize
	case (p.RoiPct != nil && *p.RoiPct < 0) || net < 0:
		p.Action = models.ActionRecover
	default:
		p.Action = models.ActionIncubate
	}
	return p
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
