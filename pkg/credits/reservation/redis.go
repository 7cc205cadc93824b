package reservation

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/steward/pkg/credits"
)

// RedisBackend implements Backend on Redis. Atomicity comes from small Lua
// scripts: the balance check-and-hold and the status compare-and-swap each
// run as a single script invocation.
//
// Keys: steward:balance:<workspace> holds the reservable balance,
// steward:reservation:<id> is a hash with the reservation fields.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

const (
	balanceKeyPrefix     = "steward:balance:"
	reservationKeyPrefix = "steward:reservation:"
)

// reserveScript checks the balance, deducts the hold and creates the
// reservation hash in one atomic step. Returns 0 on insufficient credits.
var reserveScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if balance < amount then
  return 0
end
redis.call('DECRBY', KEYS[1], amount)
redis.call('HSET', KEYS[2],
  'workspace', ARGV[2],
  'principal', ARGV[3],
  'amount', ARGV[1],
  'status', 'held',
  'attribution', ARGV[4],
  'created_at', ARGV[5])
return 1
`)

// transitionScript swaps status from held to ARGV[1], refunding the hold to
// the balance key when transitioning to released. Returns the previous status
// when the swap cannot happen.
var transitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 'missing'
end
if status ~= 'held' then
  return status
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'metadata', ARGV[2])
if ARGV[1] == 'released' then
  local amount = tonumber(redis.call('HGET', KEYS[1], 'amount'))
  redis.call('INCRBY', KEYS[2], amount)
end
return 'ok'
`)

// SetBalance sets the reservable balance for a workspace.
func (b *RedisBackend) SetBalance(ctx context.Context, workspace string, balance int64) error {
	return b.client.Set(ctx, balanceKeyPrefix+workspace, balance, 0).Err()
}

// Balance returns the current reservable balance for a workspace.
func (b *RedisBackend) Balance(ctx context.Context, workspace string) (int64, error) {
	v, err := b.client.Get(ctx, balanceKeyPrefix+workspace).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (b *RedisBackend) Reserve(ctx context.Context, workspace, principal string, amount int64, attribution credits.Attribution) (*Reservation, error) {
	id := uuid.NewString()
	attr, _ := json.Marshal(attribution)
	createdAt := time.Now().UTC().Format(time.RFC3339Nano)

	ok, err := reserveScript.Run(ctx, b.client,
		[]string{balanceKeyPrefix + workspace, reservationKeyPrefix + id},
		amount, workspace, principal, string(attr), createdAt,
	).Int64()
	if err != nil {
		return nil, errors.Wrap(err, "redis reserve")
	}
	if ok == 0 {
		return nil, &Error{Code: CodeInsufficientCredits}
	}

	created, _ := time.Parse(time.RFC3339Nano, createdAt)
	return &Reservation{
		ID:          id,
		Workspace:   workspace,
		Principal:   principal,
		Amount:      amount,
		Status:      StatusHeld,
		Attribution: attribution,
		CreatedAt:   created,
	}, nil
}

func (b *RedisBackend) transition(ctx context.Context, id string, to Status, meta map[string]string) error {
	res, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	metaJSON, _ := json.Marshal(meta)
	out, err := transitionScript.Run(ctx, b.client,
		[]string{reservationKeyPrefix + id, balanceKeyPrefix + res.Workspace},
		string(to), string(metaJSON),
	).Text()
	if err != nil {
		return errors.Wrapf(err, "redis %s", to)
	}
	switch out {
	case "ok":
		return nil
	case "missing":
		return &Error{Code: CodeNotFound, ID: id}
	case string(StatusCommitted):
		return &Error{Code: CodeAlreadyCommitted, ID: id}
	default:
		return &Error{Code: CodeAlreadyReleased, ID: id}
	}
}

func (b *RedisBackend) Commit(ctx context.Context, id string, resultMeta map[string]string) error {
	return b.transition(ctx, id, StatusCommitted, resultMeta)
}

func (b *RedisBackend) Release(ctx context.Context, id string, reasonMeta map[string]string) error {
	return b.transition(ctx, id, StatusReleased, reasonMeta)
}

func (b *RedisBackend) Get(ctx context.Context, id string) (*Reservation, error) {
	fields, err := b.client.HGetAll(ctx, reservationKeyPrefix+id).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis get reservation")
	}
	if len(fields) == 0 {
		return nil, &Error{Code: CodeNotFound, ID: id}
	}
	r := &Reservation{
		ID:        id,
		Workspace: fields["workspace"],
		Principal: fields["principal"],
		Status:    Status(fields["status"]),
	}
	if raw := fields["amount"]; raw != "" {
		if amount, err := strconv.ParseInt(raw, 10, 64); err == nil {
			r.Amount = amount
		}
	}
	if raw := fields["attribution"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &r.Attribution)
	}
	if raw := fields["metadata"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &r.Metadata)
	}
	if raw := fields["created_at"]; raw != "" {
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return r, nil
}

var _ Backend = (*RedisBackend)(nil)
