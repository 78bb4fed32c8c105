package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/axlypro/axly-entitlements/internal/metrics"
	"github.com/axlypro/axly-entitlements/pkg/subscription"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// EntitlementChanged is emitted once per committed reconcile that changed
// a user's canonical entitlement.
type EntitlementChanged struct {
	ID           string                   `json:"id"`
	UserID       string                   `json:"user_id"`
	Previous     subscription.Entitlement `json:"previous"`
	Current      subscription.Entitlement `json:"current"`
	CauseEventID string                   `json:"cause_event_id"`
	Platform     subscription.Platform    `json:"platform"`
	OccurredAt   time.Time                `json:"occurred_at"`
}

// Sink receives entitlement change events.
type Sink interface {
	Publish(ctx context.Context, ev EntitlementChanged) error
}

// LogSink writes each event to the global zerolog logger.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev EntitlementChanged) error {
	log.Info().
		Str("event_id", ev.ID).
		Str("user_id", ev.UserID).
		Str("platform", string(ev.Platform)).
		Str("cause_event_id", ev.CauseEventID).
		Str("from_tier", string(ev.Previous.Tier)).
		Str("to_tier", string(ev.Current.Tier)).
		Str("status", string(ev.Current.Status)).
		Msg("Entitlement changed")
	return nil
}

// MetricsSink counts tier transitions.
type MetricsSink struct{}

func (MetricsSink) Publish(_ context.Context, ev EntitlementChanged) error {
	metrics.EntitlementTransitionsTotal.WithLabelValues(string(ev.Previous.Tier), string(ev.Current.Tier)).Inc()
	return nil
}

// DefaultStream is the Redis stream entitlement events are appended to.
const DefaultStream = "axly:entitlements"

// RedisStreamSink appends each event to a Redis stream so other services
// can follow entitlement changes with XREAD or a consumer group.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink connects to the Redis server at url (redis:// or
// rediss://) and verifies it with a PING.
func NewRedisStreamSink(ctx context.Context, url, stream string) (*RedisStreamSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStreamSink(client, stream), nil
}

func newRedisStreamSink(client *redis.Client, stream string) *RedisStreamSink {
	if strings.TrimSpace(stream) == "" {
		stream = DefaultStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: 100000}
}

func (s *RedisStreamSink) Publish(ctx context.Context, ev EntitlementChanged) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal entitlement event: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":      ev.ID,
			"user_id": ev.UserID,
			"tier":    string(ev.Current.Tier),
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (s *RedisStreamSink) Close() error {
	return s.client.Close()
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, ev EntitlementChanged) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
