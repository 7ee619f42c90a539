// Package redisstore keeps one-time codes in Redis so they expire with the
// key TTL whether or not anyone ever redeems them.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "fulfillment:"

// The scripts build per-code keys from the index set, so they assume a
// single Redis node rather than a cluster.
var redeemScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('HGET', KEYS[1], 'verified') == '1' then
	return 0
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if expires == nil or expires <= tonumber(ARGV[1]) then
	return -1
end
redis.call('HSET', KEYS[1], 'verified', '1')
return 1
`)

var invalidateScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local removed = 0
for _, code in ipairs(members) do
	local key = ARGV[1] .. code
	if redis.call('EXISTS', key) == 1 and redis.call('HGET', key, 'verified') ~= '1' then
		redis.call('DEL', key)
		removed = removed + 1
	end
	redis.call('SREM', KEYS[1], code)
end
return removed
`)

type CodeStore struct {
	client *redis.Client
	prefix string
}

func NewCodeStore(client *redis.Client, prefix string) *CodeStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &CodeStore{client: client, prefix: prefix}
}

func (s *CodeStore) indexKey(orderID string, purpose models.CodePurpose) string {
	return fmt.Sprintf("%sotp:%s:%s", s.prefix, orderID, purpose)
}

func (s *CodeStore) codeKey(orderID string, purpose models.CodePurpose, code string) string {
	return s.indexKey(orderID, purpose) + ":" + code
}

func (s *CodeStore) Save(ctx context.Context, code *models.OneTimeCode) error {
	key := s.codeKey(code.OrderID, code.Purpose, code.Code)
	index := s.indexKey(code.OrderID, code.Purpose)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"id":         code.ID,
			"email":      code.Email,
			"phone":      code.Phone,
			"expires_at": strconv.FormatInt(code.ExpiresAt.UnixMilli(), 10),
			"created_at": strconv.FormatInt(code.CreatedAt.UnixMilli(), 10),
			"verified":   "0",
		})
		pipe.PExpireAt(ctx, key, code.ExpiresAt)
		pipe.SAdd(ctx, index, code.Code)
		pipe.PExpireAt(ctx, index, code.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store code in redis: %w", err)
	}
	return nil
}

// Redeem runs the match-and-mark as one Lua script. A code whose key already
// expired in Redis reports NotFound, one still present but past its expiry
// reports Expired.
func (s *CodeStore) Redeem(ctx context.Context, orderID string, purpose models.CodePurpose, code string, now time.Time) error {
	key := s.codeKey(orderID, purpose, code)
	result, err := redeemScript.Run(ctx, s.client, []string{key}, now.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("redeem code in redis: %w", err)
	}
	switch result {
	case 1:
		return nil
	case -1:
		return apperr.Expired("code has expired, request a new one")
	default:
		return apperr.NotFound("invalid or already used code")
	}
}

func (s *CodeStore) DeleteUnverified(ctx context.Context, orderID string, purpose models.CodePurpose) (int, error) {
	index := s.indexKey(orderID, purpose)
	n, err := invalidateScript.Run(ctx, s.client, []string{index}, index+":").Int()
	if err != nil {
		return 0, fmt.Errorf("invalidate codes in redis: %w", err)
	}
	return n, nil
}
