// Package swap creates swaps, answers status queries from committed state,
// and forwards operator aborts.
package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gitlab.com/distributed_lab/logan/v3"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/observability"
	"atomic-pek/internal/storage"
)

// ErrInvalidRequest is returned for missing or malformed start parameters.
var ErrInvalidRequest = errors.New("invalid swap request")

// Launcher starts the orchestration task of a stored swap.
type Launcher interface {
	Launch(ctx context.Context, id string) error
}

// Config holds the fixed parameters every new swap is created with.
type Config struct {
	SwapAccount     string
	SettlementAsset string
	TargetAsset     string
	// AllowedTokens restricts source assets. Empty allows any.
	AllowedTokens []string
}

// Options carries the service's collaborators.
type Options struct {
	Store    storage.SwapStore
	Launcher Launcher
	Config   Config
	Log      *logan.Entry
	Metrics  *observability.Metrics // defaults to observability.DefaultMetrics
}

// Service implements swap creation, status and abort.
type Service struct {
	store    storage.SwapStore
	launcher Launcher
	cfg      Config
	log      *logan.Entry
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	if opts.Metrics == nil {
		opts.Metrics = observability.DefaultMetrics
	}
	return &Service{
		store:    opts.Store,
		launcher: opts.Launcher,
		cfg:      opts.Config,
		log:      opts.Log.WithField("service", "swap"),
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// StartRequest is a user's request to swap Amount of Token.
type StartRequest struct {
	User   string
	Token  string
	Amount decimal.Decimal
}

// StartResult tells the user where to deposit.
type StartResult struct {
	SwapID      string `json:"swap_id"`
	SwapAccount string `json:"swap_account"`
}

func (s *Service) validate(req StartRequest) error {
	if strings.TrimSpace(req.User) == "" || strings.TrimSpace(req.Token) == "" {
		return fmt.Errorf("%w: user and token are required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if len(s.cfg.AllowedTokens) == 0 {
		return nil
	}
	for _, t := range s.cfg.AllowedTokens {
		if strings.EqualFold(t, req.Token) {
			return nil
		}
	}
	return fmt.Errorf("%w: token %s is not supported", ErrInvalidRequest, req.Token)
}

// Start stores a new swap in the initiated stage and launches its task.
// A failed launch is logged only: the recovery sweep picks the swap up.
func (s *Service) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if err := s.validate(req); err != nil {
		return StartResult{}, err
	}

	rec := domain.NewSwapRecord(
		uuid.NewString(),
		strings.TrimSpace(req.User),
		s.cfg.SwapAccount,
		strings.TrimSpace(req.Token),
		req.Amount,
		s.cfg.SettlementAsset,
		s.cfg.TargetAsset,
		s.now().UTC(),
	)
	if err := s.store.Create(ctx, rec); err != nil {
		return StartResult{}, fmt.Errorf("create swap: %w", err)
	}
	s.metrics.RecordSwapStarted()

	log := s.log.WithFields(logan.F{
		"swap_id": rec.ID,
		"user":    rec.RequesterAddress,
		"token":   rec.SourceAsset,
		"amount":  rec.SourceAmount.String(),
	})
	log.Info("swap created")

	if err := s.launcher.Launch(ctx, rec.ID); err != nil {
		log.WithError(err).Warn("failed to launch swap, leaving it to recovery")
	}

	return StartResult{SwapID: rec.ID, SwapAccount: rec.SwapAccount}, nil
}

// Status returns the committed state of a swap. It never calls out.
func (s *Service) Status(ctx context.Context, id string) (Snapshot, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return NewSnapshot(rec), nil
}

// Abort asks the swap's task to fail it at its next poll.
func (s *Service) Abort(ctx context.Context, id string) error {
	if err := s.store.RequestAbort(ctx, id); err != nil {
		return err
	}
	s.log.WithField("swap_id", id).Info("abort requested")
	return nil
}
