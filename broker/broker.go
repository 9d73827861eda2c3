// Package broker wraps the Redis surface the pipeline depends on: durable
// per-protocol work lists, the realtime fan-out channel, and the ephemeral
// key/value cache.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/umich-balloons/balloontrack/monitoring"
)

// Work list and channel names shared with the dashboard and bridge processes.
const (
	ListAPRS          = "aprs"
	ListIridium       = "iridium"
	ListLoRa          = "lora"
	ListPredictFlight = "predict_flight"
	ListGetPath       = "get_path"
	ListDeadLetter    = "dead_letter"

	ChannelRealtime = "realtime-updates"

	// TelemetryCacheTTL bounds how long a telemetry detail row stays cached.
	TelemetryCacheTTL = time.Hour

	// gatewaySeenTTL expires gateway liveness keys at three missed
	// heartbeats (bridges report every 10 minutes).
	gatewaySeenTTL = 30 * time.Minute
)

// WorkLists is the full set of lists the dispatcher drains.
var WorkLists = []string{ListAPRS, ListIridium, ListLoRa, ListPredictFlight, ListGetPath}

// ErrNotConnected reports an operation attempted before Connect.
var ErrNotConnected = errors.New("broker not connected")

// Client carries two logical connections: one Redis database for the work
// lists and pub/sub channel, another for the cache namespace.
type Client struct {
	queue *redis.Client
	cache *redis.Client
}

// Connect dials both Redis databases and verifies them with a ping.
func Connect(ctx context.Context, url string, queueDB, cacheDB int) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	queueOpts := *opts
	queueOpts.DB = queueDB
	cacheOpts := *opts
	cacheOpts.DB = cacheDB

	c := &Client{
		queue: redis.NewClient(&queueOpts),
		cache: redis.NewClient(&cacheOpts),
	}
	if err := c.queue.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping broker queue db: %w", err)
	}
	if err := c.cache.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping broker cache db: %w", err)
	}
	monitoring.Debugf("broker connected url=%s queue_db=%d cache_db=%d", url, queueDB, cacheDB)
	return c, nil
}

func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	err := c.queue.Close()
	if cerr := c.cache.Close(); err == nil {
		err = cerr
	}
	return err
}

// Ping probes the queue connection; used by /health.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return ErrNotConnected
	}
	return c.queue.Ping(ctx).Err()
}

// Push appends a serialized envelope to a work list and returns the new list
// length. Each list preserves arrival order.
func (c *Client) Push(ctx context.Context, list string, payload []byte) (int64, error) {
	if c == nil {
		return 0, ErrNotConnected
	}
	n, err := c.queue.RPush(ctx, list, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("rpush %s: %w", list, err)
	}
	monitoring.QueueLength.WithLabelValues(list).Set(float64(n))
	return n, nil
}

// PopAny blocks on the union of the given lists and returns the first
// element to arrive together with the list it came from. A zero timeout
// blocks until data arrives or the context is canceled.
func (c *Client) PopAny(ctx context.Context, lists []string, timeout time.Duration) (string, string, error) {
	if c == nil {
		return "", "", ErrNotConnected
	}
	res, err := c.queue.BLPop(ctx, timeout, lists...).Result()
	if err != nil {
		return "", "", err
	}
	if len(res) != 2 {
		return "", "", fmt.Errorf("blpop returned %d elements", len(res))
	}
	return res[0], res[1], nil
}

// IsNil reports whether err is the broker's empty-result marker (BLPop
// timeout expiry).
func IsNil(err error) bool { return errors.Is(err, redis.Nil) }

// Publish fans an event out on a channel; returns the subscriber count.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if c == nil {
		return 0, ErrNotConnected
	}
	n, err := c.queue.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", channel, err)
	}
	return n, nil
}

// Subscribe opens a pub/sub subscription on the queue connection. The caller
// owns the returned subscription and must Close it.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.queue.Subscribe(ctx, channel)
}

// --- Cache namespace ---

// TelemetryCacheKey builds the key for one telemetry detail row.
func TelemetryCacheKey(payloadID int64, timestamp string) string {
	return fmt.Sprintf("telemetry:%d:%s", payloadID, timestamp)
}

// CacheGet returns the cached value and whether it was present.
func (c *Client) CacheGet(ctx context.Context, key string) (string, bool, error) {
	if c == nil {
		return "", false, ErrNotConnected
	}
	v, err := c.cache.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return v, true, nil
}

// CacheSet stores a value with a TTL.
func (c *Client) CacheSet(ctx context.Context, key, value string, ttl time.Duration) error {
	if c == nil {
		return ErrNotConnected
	}
	if err := c.cache.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// GatewaySeen refreshes a LoRa gateway's liveness key. Expiry handles the
// offline transition; only online reports are written.
func (c *Client) GatewaySeen(ctx context.Context, gatewayID string) error {
	if c == nil {
		return ErrNotConnected
	}
	key := "gateway:last_seen:" + gatewayID
	now := time.Now().UTC().Format(time.RFC3339)
	return c.cache.Set(ctx, key, now, gatewaySeenTTL).Err()
}
