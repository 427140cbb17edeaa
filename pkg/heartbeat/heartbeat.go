// Package heartbeat exchanges each node's minimum per-document StateVector
// with the rest of the cluster so Algorithm.Cleanup can discard request-log
// entries that no live or future translation will ever reference again. The
// wire representation is a Redis hash keyed by node ID, mirroring the
// interface-wrapped go-redis client and logging-only demo adapter the
// example pack's rate limiter persistence layer uses to keep the storage
// backend swappable.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"infinote/pkg/adopted"
	"infinote/pkg/logger"
)

// keyPrefix namespaces heartbeat hashes from any other use of the same
// Redis instance.
const keyPrefix = "infinote:heartbeat:"

func documentKey(documentID string) string {
	return keyPrefix + documentID
}

// Exchanger abstracts the minimal Redis surface heartbeat exchange needs,
// so a test can substitute an in-memory fake without dragging in a real
// server.
type Exchanger interface {
	// Publish records this node's current vector for documentID. A positive
	// ttl bounds how long published vectors outlive the last Publish;
	// RedisExchanger sets it on documentID's whole hash, so a crashed or
	// partitioned node's last-known vector ages out only once no node has
	// published for documentID within ttl.
	Publish(ctx context.Context, documentID string, nodeID uint64, vector *adopted.StateVector, ttl time.Duration) error

	// Gather returns every other node's most recently published vector for
	// documentID, keyed by node ID, for use as Algorithm.Cleanup's
	// peerVectors argument.
	Gather(ctx context.Context, documentID string) (map[uint64]*adopted.StateVector, error)
}

// RedisExchanger is the production Exchanger, backed by
// github.com/redis/go-redis/v9.
type RedisExchanger struct {
	client *redis.Client
}

// NewRedisExchanger wraps an existing go-redis client.
func NewRedisExchanger(client *redis.Client) *RedisExchanger {
	return &RedisExchanger{client: client}
}

// Dial is a convenience constructor for the common case of a single Redis
// address with no further options.
func Dial(addr string) *RedisExchanger {
	return NewRedisExchanger(redis.NewClient(&redis.Options{Addr: addr}))
}

func (r *RedisExchanger) Publish(ctx context.Context, documentID string, nodeID uint64, vector *adopted.StateVector, ttl time.Duration) error {
	key := documentKey(documentID)
	field := fmt.Sprintf("%d", nodeID)
	if err := r.client.HSet(ctx, key, field, vector.String()).Err(); err != nil {
		return fmt.Errorf("heartbeat: publish %s/%d: %w", documentID, nodeID, err)
	}
	if ttl > 0 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("heartbeat: refresh ttl %s: %w", documentID, err)
		}
	}
	return nil
}

func (r *RedisExchanger) Gather(ctx context.Context, documentID string) (map[uint64]*adopted.StateVector, error) {
	raw, err := r.client.HGetAll(ctx, documentKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("heartbeat: gather %s: %w", documentID, err)
	}
	out := make(map[uint64]*adopted.StateVector, len(raw))
	for field, encoded := range raw {
		var nodeID uint64
		if _, err := fmt.Sscanf(field, "%d", &nodeID); err != nil {
			logger.Debug("heartbeat: skipping malformed node field %q for %s", field, documentID)
			continue
		}
		vector, err := adopted.ParseVector(encoded)
		if err != nil {
			logger.Debug("heartbeat: skipping malformed vector for %s/%s: %v", documentID, field, err)
			continue
		}
		out[nodeID] = vector
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (r *RedisExchanger) Close() error {
	return r.client.Close()
}

// LoggingExchanger is a no-op Exchanger for running without a Redis
// deployment: every document behaves as if it were the only node in the
// cluster, so Gather never reports a peer, and Server.RunHeartbeat, which
// calls Cleanup only when peers are reported, runs no cleanup. Not for
// production use with more than one node sharing a document.
type LoggingExchanger struct{}

func (LoggingExchanger) Publish(ctx context.Context, documentID string, nodeID uint64, vector *adopted.StateVector, ttl time.Duration) error {
	logger.Debug("heartbeat (no-op): %s node=%d vector=%s", documentID, nodeID, vector.String())
	return nil
}

func (LoggingExchanger) Gather(ctx context.Context, documentID string) (map[uint64]*adopted.StateVector, error) {
	return map[uint64]*adopted.StateVector{}, nil
}

// Beater is one node's identity for heartbeat exchange: its node id and how
// long a published vector should live before it's considered stale.
type Beater struct {
	exchanger Exchanger
	nodeID    uint64
	interval  time.Duration
	ttl       time.Duration
}

// NewBeater builds a Beater for one node's identity. Interval is advisory —
// it names how often a caller driving many documents (e.g.
// *server.Server.RunHeartbeat) intends to call Tick for each of them.
func NewBeater(exchanger Exchanger, nodeID uint64, interval, ttl time.Duration) *Beater {
	return &Beater{exchanger: exchanger, nodeID: nodeID, interval: interval, ttl: ttl}
}

// Interval reports the configured tick period.
func (b *Beater) Interval() time.Duration { return b.interval }

// Tick publishes vector as this node's current state for documentID and
// returns every other node's most recently published vector, for the
// caller to fold into that document's Algorithm.Cleanup.
func (b *Beater) Tick(ctx context.Context, documentID string, vector *adopted.StateVector) (map[uint64]*adopted.StateVector, error) {
	if err := b.exchanger.Publish(ctx, documentID, b.nodeID, vector, b.ttl); err != nil {
		return nil, fmt.Errorf("heartbeat tick publish: %w", err)
	}
	peers, err := b.exchanger.Gather(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("heartbeat tick gather: %w", err)
	}
	delete(peers, b.nodeID)
	return peers, nil
}
