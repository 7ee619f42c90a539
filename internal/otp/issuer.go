package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTTL      = 10 * time.Minute
	DefaultAttempts = 5
	CodeLength      = 6
)

// Store persists codes. Redeem must match and mark verified in one atomic
// step and report apperr NotFound or Expired when nothing was redeemed.
// Implementations expire codes on their own once ExpiresAt passes.
type Store interface {
	Save(ctx context.Context, code *models.OneTimeCode) error
	Redeem(ctx context.Context, orderID string, purpose models.CodePurpose, code string, now time.Time) error
	DeleteUnverified(ctx context.Context, orderID string, purpose models.CodePurpose) (int, error)
}

type Recipient struct {
	Email string
	Phone string
}

type Config struct {
	TTL      time.Duration
	Attempts int
	Window   time.Duration
}

type Issuer struct {
	store    Store
	ttl      time.Duration
	limiter  *AttemptLimiter
	logger   *logrus.Logger
	now      func() time.Time
	generate func() (string, error)
}

func NewIssuer(store Store, config Config, logger *logrus.Logger) *Issuer {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Attempts <= 0 {
		config.Attempts = DefaultAttempts
	}
	if config.Window <= 0 {
		config.Window = config.TTL
	}
	return &Issuer{
		store:    store,
		ttl:      config.TTL,
		limiter:  NewAttemptLimiter(config.Attempts, config.Window),
		logger:   logger,
		now:      time.Now,
		generate: GenerateCode,
	}
}

// SetClock replaces the time source used for expiry and rate limiting.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// SetGenerator replaces the code generator.
func (i *Issuer) SetGenerator(generate func() (string, error)) {
	i.generate = generate
}

func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue stores a fresh unverified code. It does not touch earlier codes of
// the same purpose; callers that need a single live code call Invalidate first.
func (i *Issuer) Issue(ctx context.Context, orderID string, purpose models.CodePurpose, to Recipient) (*models.OneTimeCode, error) {
	if orderID == "" {
		return nil, apperr.Validation("order id is required")
	}
	if !purpose.Valid() {
		return nil, apperr.Validation("unknown code purpose %q", purpose)
	}
	if to.Email == "" && to.Phone == "" {
		return nil, apperr.Validation("code recipient has no email or phone")
	}

	value, err := i.generate()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	now := i.now()
	code := &models.OneTimeCode{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		Email:     to.Email,
		Phone:     to.Phone,
		Code:      value,
		Purpose:   purpose,
		ExpiresAt: now.Add(i.ttl),
		CreatedAt: now,
	}
	if err := i.store.Save(ctx, code); err != nil {
		return nil, fmt.Errorf("save code: %w", err)
	}

	i.logger.WithFields(logrus.Fields{
		"order_id":   orderID,
		"purpose":    purpose,
		"code_id":    code.ID,
		"expires_at": code.ExpiresAt,
	}).Info("One-time code issued")

	return code, nil
}

// Redeem consumes a code. A second redemption of the same code reports NotFound.
func (i *Issuer) Redeem(ctx context.Context, orderID string, purpose models.CodePurpose, submitted string) error {
	submitted = strings.TrimSpace(submitted)
	if !validFormat(submitted) {
		return apperr.Validation("code must be %d digits", CodeLength)
	}

	now := i.now()
	key := orderID + ":" + string(purpose)
	if !i.limiter.Allow(key, now) {
		i.logger.WithFields(logrus.Fields{
			"order_id": orderID,
			"purpose":  purpose,
		}).Warn("Code redemption rate limited")
		return apperr.RateLimited("too many verification attempts, try again later")
	}

	if err := i.store.Redeem(ctx, orderID, purpose, submitted, now); err != nil {
		return err
	}
	i.limiter.Reset(key)

	i.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"purpose":  purpose,
	}).Info("One-time code redeemed")
	return nil
}

// Invalidate removes every outstanding unverified code for the order and purpose.
func (i *Issuer) Invalidate(ctx context.Context, orderID string, purpose models.CodePurpose) (int, error) {
	n, err := i.store.DeleteUnverified(ctx, orderID, purpose)
	if err != nil {
		return 0, fmt.Errorf("invalidate codes: %w", err)
	}
	if n > 0 {
		i.logger.WithFields(logrus.Fields{
			"order_id": orderID,
			"purpose":  purpose,
			"count":    n,
		}).Info("Outstanding codes invalidated")
	}
	return n, nil
}

// GenerateCode draws a code uniformly from [100000, 999999]. It is a
// low-friction handoff confirmation, not a security boundary.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func validFormat(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
