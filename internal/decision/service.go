package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeloop/internal/logger"
	"tradeloop/internal/pkg/backoff"
	"tradeloop/internal/triage"
	"tradeloop/internal/types"
)

const (
	StageSelectOpportunity  = "select_opportunity"
	StageDeepAnalysis       = "deep_analysis"
	StageRiskCouncil        = "risk_council"
	StagePositionManagement = "position_management"
)

// Transport delivers one stage request to the decision service and returns
// the raw reply body.
type Transport interface {
	Call(ctx context.Context, stage string, request any) ([]byte, error)
}

type OpportunityRequest struct {
	Market         types.MarketData         `json:"market"`
	Positions      []types.PositionSnapshot `json:"positions"`
	OpenDirections []types.Side             `json:"open_directions"`
	Allowlist      []string                 `json:"allowlist"`
}

type AnalysisRequest struct {
	Symbol      string                   `json:"symbol"`
	Action      Action                   `json:"action"`
	Market      types.MarketData         `json:"market"`
	Opportunity Opportunity              `json:"opportunity"`
	Positions   []types.PositionSnapshot `json:"positions"`
	Balance     types.Balance            `json:"balance"`
}

type RiskRequest struct {
	Symbol    string                   `json:"symbol"`
	Decision  DeepAnalysis             `json:"decision"`
	Market    types.MarketData         `json:"market"`
	Balance   types.Balance            `json:"balance"`
	Positions []types.PositionSnapshot `json:"positions"`
	RecentPnL float64                  `json:"recent_pnl"`
}

type ManagementRequest struct {
	Position    types.PositionSnapshot `json:"position"`
	Market      types.MarketData       `json:"market"`
	Urgency     string                 `json:"urgency"`
	Reason      string                 `json:"reason"`
	Lightweight bool                   `json:"lightweight"`
}

func NewManagementRequest(a triage.Assessment, market types.MarketData, lightweight bool) ManagementRequest {
	return ManagementRequest{
		Position:    a.Position,
		Market:      market,
		Urgency:     a.Urgency.String(),
		Reason:      a.Reason,
		Lightweight: lightweight,
	}
}

// retryable is implemented by transport errors that know whether another
// attempt can help (a 400 cannot, a 503 can).
type retryable interface {
	Retryable() bool
}

type ServiceConfig struct {
	// the only retry layer for decision calls; malformed replies are never retried
	Retries      int
	RetryBackoff time.Duration
	StageTimeout time.Duration
}

// Service is the typed, validated facade over Transport.
type Service struct {
	transport Transport
	cfg       ServiceConfig
	retry     backoff.Policy
	log       logger.Component
}

func NewService(transport Transport, cfg ServiceConfig) *Service {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	base := cfg.RetryBackoff
	if base <= 0 {
		base = time.Second
	}
	return &Service{
		transport: transport,
		cfg:       cfg,
		retry:     backoff.Policy{Base: base, Factor: 2, MaxMultiplier: 8},
		log:       logger.With("decision"),
	}
}

func (s *Service) call(ctx context.Context, stage string, req any) ([]byte, error) {
	if s.transport == nil {
		return nil, errors.New("decision transport is nil")
	}
	var raw []byte
	err := s.retry.Retry(ctx, s.cfg.Retries+1, func(attempt int) error {
		callCtx := ctx
		if s.cfg.StageTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, s.cfg.StageTimeout)
			defer cancel()
		}
		out, err := s.transport.Call(callCtx, stage, req)
		if err != nil {
			var rerr retryable
			if errors.As(err, &rerr) && !rerr.Retryable() {
				return backoff.Permanent(err)
			}
			if attempt < s.cfg.Retries {
				s.log.Warnf("%s attempt %d failed: %v", stage, attempt+1, err)
			}
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decision %s: %w", stage, err)
	}
	return raw, nil
}

func (s *Service) SelectOpportunity(ctx context.Context, req OpportunityRequest) (Opportunity, error) {
	raw, err := s.call(ctx, StageSelectOpportunity, req)
	if err != nil {
		return Opportunity{}, err
	}
	return ParseOpportunity(raw)
}

func (s *Service) RunDeepAnalysis(ctx context.Context, req AnalysisRequest) (DeepAnalysis, error) {
	raw, err := s.call(ctx, StageDeepAnalysis, req)
	if err != nil {
		return DeepAnalysis{}, err
	}
	return ParseDeepAnalysis(raw)
}

func (s *Service) RunRiskCouncil(ctx context.Context, req RiskRequest) (RiskVerdict, error) {
	raw, err := s.call(ctx, StageRiskCouncil, req)
	if err != nil {
		return RiskVerdict{}, err
	}
	return ParseRiskVerdict(raw)
}

func (s *Service) RunPositionManagement(ctx context.Context, req ManagementRequest) (ManagementDirective, error) {
	raw, err := s.call(ctx, StagePositionManagement, req)
	if err != nil {
		return ManagementDirective{}, err
	}
	return ParseManagementDirective(raw)
}
