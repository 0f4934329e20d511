// Package portalloc implements a cluster-wide, Redis-backed pool of host
// ports with atomic reserve/release/extend operations and TTL bookkeeping.
package portalloc

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dropzone/dropzone/internal/apperr"
	"github.com/dropzone/dropzone/internal/telemetry"
)

const (
	freeSet  = "ports:free"
	inUseSet = "ports:in_use"
)

// reserveScript atomically pops the minimum-score member from the free set
// and inserts it into the in-use set with the given expiry score. It is the
// external contract's "pop-min then add-elsewhere" atomicity requirement.
var reserveScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
	return nil
end
local port = popped[1]
redis.call('ZADD', KEYS[2], ARGV[1], port)
return port
`)

// Allocator manages a range of host ports backed by Redis.
type Allocator struct {
	rdb        *redis.Client
	min        int
	max        int
	defaultTTL time.Duration
}

// New creates an Allocator over [min, max] with the given default reservation TTL.
func New(rdb *redis.Client, min, max int, defaultTTL time.Duration) *Allocator {
	return &Allocator{rdb: rdb, min: min, max: max, defaultTTL: defaultTTL}
}

// Initialize populates the free set with every port in [min, max] if both
// sets are currently empty. Idempotent; safe to call at each process start.
func (a *Allocator) Initialize(ctx context.Context) error {
	freeCount, err := a.rdb.ZCard(ctx, freeSet).Result()
	if err != nil {
		return apperr.Allocator("checking free set", err)
	}
	inUseCount, err := a.rdb.ZCard(ctx, inUseSet).Result()
	if err != nil {
		return apperr.Allocator("checking in-use set", err)
	}
	if freeCount != 0 || inUseCount != 0 {
		return nil
	}

	members := make([]redis.Z, 0, a.max-a.min+1)
	for port := a.min; port <= a.max; port++ {
		members = append(members, redis.Z{Score: float64(port), Member: port})
	}
	if err := a.rdb.ZAdd(ctx, freeSet, members...).Err(); err != nil {
		return apperr.Allocator("initializing free set", err)
	}
	return nil
}

// Reserve atomically pops the lowest free port and marks it in-use with
// expiry now+ttl. Pass ttl == 0 to use the allocator's default TTL; a
// negative ttl is used as given and yields an already-expired reservation.
func (a *Allocator) Reserve(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl == 0 {
		ttl = a.defaultTTL
	}
	expiry := time.Now().Add(ttl).Unix()

	res, err := reserveScript.Run(ctx, a.rdb, []string{freeSet, inUseSet}, expiry).Result()
	if err != nil {
		if err == redis.Nil {
			telemetry.PortAllocationFailuresTotal.Inc()
			return 0, apperr.ErrOutOfPorts
		}
		return 0, apperr.Allocator("reserving port", err)
	}
	if res == nil {
		telemetry.PortAllocationFailuresTotal.Inc()
		return 0, apperr.ErrOutOfPorts
	}

	port, err := toInt(res)
	if err != nil {
		return 0, apperr.Allocator("decoding reserved port", err)
	}

	telemetry.PortsInUse.Inc()
	return port, nil
}

// Release removes the port from in-use and returns it to the free set.
// Idempotent with respect to ports that were never in use.
func (a *Allocator) Release(ctx context.Context, port int) error {
	removed, err := a.rdb.ZRem(ctx, inUseSet, port).Result()
	if err != nil {
		return apperr.Allocator("releasing port", err)
	}
	if err := a.rdb.ZAdd(ctx, freeSet, redis.Z{Score: float64(port), Member: port}).Err(); err != nil {
		return apperr.Allocator("returning port to free set", err)
	}
	if removed > 0 {
		telemetry.PortsInUse.Dec()
	}
	return nil
}

// Extend adds extraSeconds to the port's in-use expiry score. Fails with
// ErrInvalidPort if the port is not currently in-use.
func (a *Allocator) Extend(ctx context.Context, port int, extraSeconds int64) error {
	score, err := a.rdb.ZScore(ctx, inUseSet, fmt.Sprintf("%d", port)).Result()
	if err != nil {
		if err == redis.Nil {
			return apperr.ErrInvalidPort
		}
		return apperr.Allocator("reading port expiry", err)
	}

	newScore := score + float64(extraSeconds)
	if err := a.rdb.ZAdd(ctx, inUseSet, redis.Z{Score: newScore, Member: port}).Err(); err != nil {
		return apperr.Allocator("extending port expiry", err)
	}
	return nil
}

// Expired returns every port whose in-use score is at or before now.
func (a *Allocator) Expired(ctx context.Context) ([]int, error) {
	members, err := a.rdb.ZRangeByScore(ctx, inUseSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", time.Now().Unix()),
	}).Result()
	if err != nil {
		return nil, apperr.Allocator("listing expired ports", err)
	}

	ports := make([]int, 0, len(members))
	for _, m := range members {
		var p int
		if _, err := fmt.Sscanf(m, "%d", &p); err != nil {
			return nil, apperr.Allocator("parsing expired port", err)
		}
		ports = append(ports, p)
	}
	return ports, nil
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int64:
		return int(t), nil
	case string:
		var p int
		_, err := fmt.Sscanf(t, "%d", &p)
		return p, err
	default:
		return 0, fmt.Errorf("unexpected reserve script result type %T", v)
	}
}

// Ping satisfies httpserver.Pinger for readiness checks.
func (a *Allocator) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}
