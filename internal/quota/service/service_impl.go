package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plotline/plotline/internal/clock"
	obsmetrics "github.com/plotline/plotline/internal/observability/metrics"
	quotadomain "github.com/plotline/plotline/internal/quota/domain"
	userdomain "github.com/plotline/plotline/internal/user/domain"
	"github.com/plotline/plotline/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  quotadomain.Repository
	Clock clock.Clock
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     quotadomain.Repository
	clock    clock.Clock
	userRepo repository.Repository[userdomain.User]
}

func New(p Params) quotadomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("quota.service"),
		repo:     p.Repo,
		clock:    p.Clock,
		userRepo: repository.ProvideStore[userdomain.User](p.DB),
	}
}

func (s *Service) Check(ctx context.Context, userID snowflake.ID, quota quotadomain.Type, amount int64) (quotadomain.Decision, error) {
	if amount < 0 {
		return quotadomain.Decision{}, quotadomain.ErrInvalidAmount
	}

	admin, err := s.isAdmin(ctx, userID)
	if err != nil {
		return quotadomain.Decision{}, err
	}
	if admin {
		return quotadomain.Decision{Allowed: true, Limit: quotadomain.Unlimited}, nil
	}

	today := dateOnly(s.clock.Now())
	if err := s.repo.ResetDailyFor(ctx, s.db, userID, today); err != nil {
		return quotadomain.Decision{}, err
	}

	ledger, err := s.repo.FindOrCreate(ctx, s.db, userID, today)
	if err != nil {
		return quotadomain.Decision{}, err
	}

	limit := ledger.Limit(quota)
	if limit == quotadomain.Unlimited {
		return quotadomain.Decision{Allowed: true, Limit: limit, Current: ledger.Used(quota)}, nil
	}

	decision := quotadomain.Decision{Limit: limit}
	if quotadomain.Stateless(quota) {
		// No running counter: the candidate amount is compared directly.
		decision.Current = amount
		decision.Allowed = amount <= limit
	} else {
		decision.Current = ledger.Used(quota)
		decision.Allowed = decision.Current+amount <= limit
	}

	if !decision.Allowed {
		obsmetrics.Worker().IncQuotaDenial(string(quota))
		s.log.Debug("quota denied",
			zap.String("user_id", userID.String()),
			zap.String("quota", string(quota)),
			zap.Int64("current", decision.Current),
			zap.Int64("limit", decision.Limit),
		)
	}
	return decision, nil
}

func (s *Service) Increment(ctx context.Context, userID snowflake.ID, quota quotadomain.Type, amount int64) error {
	if amount <= 0 {
		return quotadomain.ErrInvalidAmount
	}
	if quotadomain.Stateless(quota) {
		return nil
	}
	return s.repo.AddUsage(ctx, s.db, userID, quota, amount, s.clock.Now())
}

func (s *Service) Release(ctx context.Context, userID snowflake.ID, quota quotadomain.Type, amount int64) error {
	if amount <= 0 {
		return quotadomain.ErrInvalidAmount
	}
	if quotadomain.Stateless(quota) {
		return nil
	}
	return s.repo.AddUsage(ctx, s.db, userID, quota, -amount, s.clock.Now())
}

func (s *Service) ResetDailyCounters(ctx context.Context) (int64, error) {
	today := dateOnly(s.clock.Now())
	touched, err := s.repo.ResetDaily(ctx, s.db, today)
	if err != nil {
		return 0, err
	}
	if touched > 0 {
		s.log.Info("daily quota counters reset", zap.Int64("ledgers", touched))
	}
	return touched, nil
}

// CheckAndExplain wraps Check and converts a denial into ExceededError.
func CheckAndExplain(ctx context.Context, svc quotadomain.Service, userID snowflake.ID, quota quotadomain.Type, amount int64) error {
	decision, err := svc.Check(ctx, userID, quota, amount)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &quotadomain.ExceededError{Quota: quota, Current: decision.Current, Limit: decision.Limit}
	}
	return nil
}

func (s *Service) isAdmin(ctx context.Context, userID snowflake.ID) (bool, error) {
	user, err := s.userRepo.FindOne(ctx, &userdomain.User{ID: userID})
	if err != nil {
		return false, err
	}
	return user != nil && user.IsAdmin(), nil
}

func dateOnly(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
