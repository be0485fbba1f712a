// Package group implements the group-membership registry and distributed
// lock service collaborator described in SPEC_FULL.md §6, backed by Redis.
// It provides the join/members/lock/release/get/set operations the
// rebalancer and persister need, without this module having to speak the
// group-coordination wire protocol itself.
package group

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mohitnagrath/kafka-fast/config"
	"github.com/mohitnagrath/kafka-fast/internal/actor"
)

const (
	membersSetKey = "kafkafast:members"
	memberKeyFmt  = "kafkafast:member:%s"
	lockKeyFmt    = "kafkafast:lock:%s"
	offsetKeyFmt  = "kafkafast:offset:%s"
	lockTTL       = 30 * time.Second
)

// Registry is a Redis-backed group registry: it tracks this member's
// identity, the set of live members, a reentrant per-key lock, and a flat
// key-value store for persisted offsets.
type Registry struct {
	cid      *actor.ID
	client   *goredis.Client
	hostName string

	heartbeatFreq time.Duration
	stopHeartbeat chan struct{}
	wg            sync.WaitGroup

	mu         sync.Mutex
	ownedLocks map[string]bool
}

// New dials Redis per cfg and returns a Registry identified as hostName.
func New(cfg config.RedisConfig, hostName string) (*Registry, error) {
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisHost})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", cfg.RedisHost)
	}
	freq := cfg.HeartbeatFreq
	if freq <= 0 {
		freq = 10 * time.Second
	}
	return &Registry{
		cid:           actor.RootID.NewChild("group/" + hostName),
		client:        client,
		hostName:      hostName,
		heartbeatFreq: freq,
		stopHeartbeat: make(chan struct{}),
		ownedLocks:    make(map[string]bool),
	}, nil
}

// Join registers this member in the live-members set and starts a
// background heartbeat that keeps its membership entry from expiring.
func (r *Registry) Join(ctx context.Context) error {
	memberKey := fmt.Sprintf(memberKeyFmt, r.hostName)
	if err := r.client.Set(ctx, memberKey, "1", r.heartbeatFreq*3).Err(); err != nil {
		return errors.Wrap(err, "failed to register member heartbeat")
	}
	if err := r.client.SAdd(ctx, membersSetKey, r.hostName).Err(); err != nil {
		return errors.Wrap(err, "failed to join members set")
	}
	actor.Spawn(r.cid.NewChild("heartbeat"), &r.wg, r.heartbeatLoop)
	return nil
}

func (r *Registry) heartbeatLoop() {
	ticker := time.NewTicker(r.heartbeatFreq)
	defer ticker.Stop()
	memberKey := fmt.Sprintf(memberKeyFmt, r.hostName)
	for {
		select {
		case <-ticker.C:
			r.client.Set(context.Background(), memberKey, "1", r.heartbeatFreq*3)
		case <-r.stopHeartbeat:
			return
		}
	}
}

// Close stops the heartbeat and removes this member from the live set.
func (r *Registry) Close() error {
	close(r.stopHeartbeat)
	r.wg.Wait()
	ctx := context.Background()
	r.client.SRem(ctx, membersSetKey, r.hostName)
	return r.client.Close()
}

// HostName returns this member's identity.
func (r *Registry) HostName() string {
	return r.hostName
}

// Members returns every member whose heartbeat has not expired.
func (r *Registry) Members(ctx context.Context) ([]string, error) {
	all, err := r.client.SMembers(ctx, membersSetKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list group members")
	}
	live := make([]string, 0, len(all))
	for _, m := range all {
		ok, err := r.client.Exists(ctx, fmt.Sprintf(memberKeyFmt, m)).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to check liveness of member %s", m)
		}
		if ok == 1 {
			live = append(live, m)
		} else {
			r.client.SRem(ctx, membersSetKey, m)
		}
	}
	return live, nil
}

// Lock acquires the reentrant lock named by key for this member. A member
// that already holds the lock re-acquires it without blocking (reentrancy,
// per SPEC_FULL.md §5); a member that does not returns false rather than
// waiting, matching SPEC_FULL.md's open-question decision that a failed
// acquisition simply leaves the partition unlocked for the current cycle.
func (r *Registry) Lock(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	if r.ownedLocks[key] {
		r.mu.Unlock()
		// Reentrant: refresh the TTL so a long-held lock does not expire
		// out from under us.
		r.client.Expire(ctx, fmt.Sprintf(lockKeyFmt, key), lockTTL)
		return true, nil
	}
	r.mu.Unlock()

	ok, err := r.client.SetNX(ctx, fmt.Sprintf(lockKeyFmt, key), r.hostName, lockTTL).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to acquire lock %s", key)
	}
	if ok {
		r.mu.Lock()
		r.ownedLocks[key] = true
		r.mu.Unlock()
	}
	return ok, nil
}

// Release gives up the lock named by key, if this member holds it.
func (r *Registry) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	held := r.ownedLocks[key]
	delete(r.ownedLocks, key)
	r.mu.Unlock()

	if !held {
		return nil
	}
	if err := r.client.Del(ctx, fmt.Sprintf(lockKeyFmt, key)).Err(); err != nil {
		return errors.Wrapf(err, "failed to release lock %s", key)
	}
	return nil
}

// Get reads a single persisted value. The bool result reports whether the
// key was present.
func (r *Registry) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, fmt.Sprintf(offsetKeyFmt, key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to read key %s", key)
	}
	return val, true, nil
}

// GetInt64 is a convenience wrapper over Get for the persisted-offset use
// case, where every value is a decimal integer per SPEC_FULL.md §6.
func (r *Registry) GetInt64(ctx context.Context, key string) (int64, bool, error) {
	val, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "corrupt persisted offset for %s: %q", key, val)
	}
	return n, true, nil
}

// Set writes every pair in one batch. It implements persister.KV without
// threading a context through the persister's fire-and-forget writes; the
// write itself still has Redis's own command timeout applied via the
// client's configuration.
func (r *Registry) Set(pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}
	ctx := context.Background()
	flat := make(map[string]string, len(pairs))
	for k, v := range pairs {
		flat[fmt.Sprintf(offsetKeyFmt, k)] = v
	}
	if err := r.client.MSet(ctx, flatten(flat)...).Err(); err != nil {
		return errors.Wrap(err, "failed to commit offsets")
	}
	return nil
}

func flatten(m map[string]string) []interface{} {
	out := make([]interface{}, 0, len(m)*2)
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}
