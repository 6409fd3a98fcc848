package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/akl7777777/imei-intel/internal/model"
)

const redisKeyPrefix = "imei:ledger:"

// consumeScript increments "used" only while it is below "plan".
// Returns -1 if the hash is missing, 0 if exhausted, 1 on success.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local plan = tonumber(redis.call('HGET', KEYS[1], 'plan'))
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
if plan >= 0 and used >= plan then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'used', 1)
return 1
`)

// Redis stores one hash per tenant with "plan" and "used" fields.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) HasCredit(ctx context.Context, tenantID string) (bool, bool, error) {
	e, err := r.Get(ctx, tenantID)
	if errors.Is(err, ErrNoAccount) {
		return false, true, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, e.Unlimited() || e.CreditsUsed < e.PlanCredits, nil
}

func (r *Redis) Consume(ctx context.Context, tenantID string) error {
	res, err := consumeScript.Run(ctx, r.client, []string{redisKeyPrefix + tenantID}).Int()
	if err != nil {
		return fmt.Errorf("ledger consume: %w", err)
	}
	switch res {
	case -1:
		return ErrNoAccount
	case 0:
		return ErrCreditExhausted
	}
	return nil
}

func (r *Redis) SetPlan(ctx context.Context, tenantID string, planCredits int) error {
	key := redisKeyPrefix + tenantID
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "plan", planCredits)
		p.HSetNX(ctx, key, "used", 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger set plan: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, tenantID string) (model.LedgerEntry, error) {
	fields, err := r.client.HGetAll(ctx, redisKeyPrefix+tenantID).Result()
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("ledger get: %w", err)
	}
	planRaw, ok := fields["plan"]
	if !ok {
		return model.LedgerEntry{}, ErrNoAccount
	}
	plan, err := strconv.Atoi(planRaw)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("ledger get: plan: %w", err)
	}
	used, _ := strconv.Atoi(fields["used"])
	return model.LedgerEntry{TenantID: tenantID, PlanCredits: plan, CreditsUsed: used}, nil
}

func (r *Redis) Close() error { return nil }
