package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
)

// CodeStore keeps one-time codes in memory. A janitor started with Run
// drops codes past their expiry, standing in for a storage-level TTL.
type CodeStore struct {
	codes map[string]*models.OneTimeCode
	mutex sync.Mutex
	now   func() time.Time
}

func NewCodeStore() *CodeStore {
	return &CodeStore{
		codes: make(map[string]*models.OneTimeCode),
		now:   time.Now,
	}
}

// SetClock replaces the time source used by the janitor.
func (s *CodeStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *CodeStore) Save(ctx context.Context, code *models.OneTimeCode) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	c := *code
	s.codes[code.ID] = &c
	return nil
}

// Redeem finds the matching unverified code and marks it in one critical section.
func (s *CodeStore) Redeem(ctx context.Context, orderID string, purpose models.CodePurpose, code string, now time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var expired bool
	for _, c := range s.codes {
		if c.OrderID != orderID || c.Purpose != purpose || c.Code != code || c.IsVerified {
			continue
		}
		if c.Expired(now) {
			expired = true
			continue
		}
		c.IsVerified = true
		return nil
	}
	if expired {
		return apperr.Expired("code has expired, request a new one")
	}
	return apperr.NotFound("invalid or already used code")
}

func (s *CodeStore) DeleteUnverified(ctx context.Context, orderID string, purpose models.CodePurpose) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n := 0
	for id, c := range s.codes {
		if c.OrderID == orderID && c.Purpose == purpose && !c.IsVerified {
			delete(s.codes, id)
			n++
		}
	}
	return n, nil
}

// Sweep removes expired codes and returns how many were dropped.
func (s *CodeStore) Sweep() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	n := 0
	for id, c := range s.codes {
		if c.Expired(now) {
			delete(s.codes, id)
			n++
		}
	}
	return n
}

// Run sweeps on every tick until ctx is done.
func (s *CodeStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len reports how many codes are stored, expired or not.
func (s *CodeStore) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.codes)
}
