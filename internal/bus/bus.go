// Package bus adapts NATS JetStream as the durable domain event bus. Five
// streams partition the event space; delivery is at-least-once with
// per-subject FIFO ordering and no ordering across subjects. Consumers are
// durable queue groups with explicit acknowledgement.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	// publishTimeout bounds a single synchronous publish round trip.
	publishTimeout = 5 * time.Second

	// nakDelayFloor is the minimum redelivery delay after a processing failure.
	nakDelayFloor = 2 * time.Second

	// dedupWindow is the broker-side duplicate suppression window keyed on the
	// envelope id.
	dedupWindow = 2 * time.Minute
)

// ErrUnroutable is returned when an event type maps to no topic.
var ErrUnroutable = errors.New("bus: event type maps to no topic")

// Envelope is the wire structure carried on every subject. Consumers
// deduplicate on ID; delivery is at-least-once.
type Envelope struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	TimestampMS int64           `json:"timestamp_ms"`
	Data        json.RawMessage `json:"data"`
}

// Handler processes one envelope. A non-nil error triggers negative
// acknowledgement and redelivery after a backoff delay.
type Handler func(ctx context.Context, env *Envelope) error

// Bus wraps a JetStream context over a NATS connection.
type Bus struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log zerolog.Logger
}

// Connect dials NATS, creates the JetStream context, and ensures the five
// event streams exist. The connection reconnects transparently.
func Connect(ctx context.Context, url string, maxAge time.Duration, logger zerolog.Logger) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("gildhall-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	b := &Bus{nc: nc, js: js, log: logger.With().Str("component", "bus").Logger()}

	for _, topic := range Topics {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       streamName(topic),
			Subjects:   []string{topic + ".>"},
			Retention:  jetstream.LimitsPolicy,
			Storage:    jetstream.FileStorage,
			MaxAge:     maxAge,
			Duplicates: dedupWindow,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure stream for %s: %w", topic, err)
		}
	}

	return b, nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("NATS drain failed")
		b.nc.Close()
	}
}

// Publish builds an envelope for the event and publishes it synchronously;
// it returns only once the broker has acknowledged durability. Transient
// failures are retried with fibonacci backoff inside the publish timeout;
// the final error is retryable by the caller (the originating state change
// is never rolled back on publish failure).
func (b *Bus) Publish(ctx context.Context, eventType, entityID string, data any) (*Envelope, error) {
	subject := Subject(eventType, entityID)
	if subject == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnroutable, eventType)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	env := &Envelope{
		ID:          uuid.New(),
		Type:        eventType,
		TimestampMS: time.Now().UnixMilli(),
		Data:        payload,
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(100*time.Millisecond))
	err = retry.Do(pubCtx, backoff, func(ctx context.Context) error {
		// The envelope id doubles as the broker-side dedup key so a retried
		// publish after an ambiguous ack cannot double-append.
		_, pubErr := b.js.Publish(ctx, subject, raw, jetstream.WithMsgID(env.ID.String()))
		if pubErr != nil {
			return retry.RetryableError(pubErr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", subject, err)
	}

	return env, nil
}

// Consume joins the named durable consumer group on the given topics and
// processes envelopes until the context is cancelled. Handler errors trigger
// NakWithDelay so the broker redelivers after a backoff floor. This method
// blocks; run it under a restart-with-backoff supervisor.
func (b *Bus) Consume(ctx context.Context, group string, topics []string, handler Handler) error {
	contexts := make([]jetstream.ConsumeContext, 0, len(topics))
	defer func() {
		for _, cc := range contexts {
			cc.Stop()
		}
	}()

	for _, topic := range topics {
		stream, err := b.js.Stream(ctx, streamName(topic))
		if err != nil {
			return fmt.Errorf("lookup stream for %s: %w", topic, err)
		}

		cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       group + "-" + streamName(topic),
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverAllPolicy,
			MaxDeliver:    -1,
			AckWait:       30 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("ensure consumer %s on %s: %w", group, topic, err)
		}

		cc, err := cons.Consume(func(msg jetstream.Msg) {
			b.dispatch(ctx, msg, handler)
		})
		if err != nil {
			return fmt.Errorf("start consume %s on %s: %w", group, topic, err)
		}
		contexts = append(contexts, cc)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (b *Bus) dispatch(ctx context.Context, msg jetstream.Msg, handler Handler) {
	var env Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		b.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("Undecodable envelope, discarding")
		_ = msg.Term()
		return
	}

	if err := handler(ctx, &env); err != nil {
		delay := nakDelayFloor
		if meta, metaErr := msg.Metadata(); metaErr == nil && meta.NumDelivered > 1 {
			// Exponential growth on repeated failures, capped at one minute.
			delay = min(nakDelayFloor<<min(meta.NumDelivered-1, 5), time.Minute)
		}
		b.log.Warn().Err(err).Str("type", env.Type).Stringer("event_id", env.ID).
			Dur("redeliver_in", delay).Msg("Event handler failed, negatively acknowledging")
		_ = msg.NakWithDelay(delay)
		return
	}

	_ = msg.Ack()
}

// ReplayRequest bounds a historical fetch for gateway resume. Events newer
// than Window and positioned after AfterID on their subject are returned, at
// most MaxEvents per scope (the entity id that ends each subject).
type ReplayRequest struct {
	// SubjectPrefixes lists the scope prefixes to replay, e.g.
	// "message.events.*.123" or "guild.events.>"-style filters.
	SubjectPrefixes []string
	AfterID         uuid.UUID
	Window          time.Duration
	MaxEvents       int
}

// ErrReplayWindowExceeded is returned when the replay set cannot be bounded:
// the anchor event has already aged out of the window or a scope has more
// events than MaxEvents.
var ErrReplayWindowExceeded = errors.New("bus: replay window exceeded")

// Replay fetches historical envelopes for the given subject filters,
// preserving per-subject publish order. AfterID anchors the replay: the
// anchor envelope and everything older than it (by publish timestamp) is
// dropped. If an anchor is supplied but no longer observable within the
// window, or any scope holds more than MaxEvents, the caller cannot bound
// what was missed; the replay fails with ErrReplayWindowExceeded and the
// client must resync through the REST boundary.
func (b *Bus) Replay(ctx context.Context, req ReplayRequest) ([]*Envelope, error) {
	since := time.Now().Add(-req.Window)
	byTopic := make(map[string][]string)
	for _, prefix := range req.SubjectPrefixes {
		topic := topicOfSubject(prefix)
		if topic == "" {
			continue
		}
		byTopic[topic] = append(byTopic[topic], prefix)
	}

	var collected []*Envelope
	perScope := make(map[string]int)
	for topic, filters := range byTopic {
		envs, err := b.replayStream(ctx, streamName(topic), filters, since, req.MaxEvents, perScope)
		if err != nil {
			return nil, err
		}
		collected = append(collected, envs...)
	}

	if req.AfterID == uuid.Nil {
		return collected, nil
	}

	var anchor *Envelope
	for _, env := range collected {
		if env.ID == req.AfterID {
			anchor = env
			break
		}
	}
	if anchor == nil {
		return nil, ErrReplayWindowExceeded
	}

	// Timestamp ties are kept (minus the anchor itself): re-delivering an
	// already-seen event is fine under at-least-once, missing one is not.
	out := make([]*Envelope, 0, len(collected))
	for _, env := range collected {
		if env.ID == req.AfterID || env.TimestampMS < anchor.TimestampMS {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func (b *Bus) replayStream(ctx context.Context, stream string, filters []string, since time.Time, maxEvents int, perScope map[string]int) ([]*Envelope, error) {
	cons, err := b.js.OrderedConsumer(ctx, stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: filters,
		DeliverPolicy:  jetstream.DeliverByStartTimePolicy,
		OptStartTime:   &since,
	})
	if err != nil {
		return nil, fmt.Errorf("create replay consumer on %s: %w", stream, err)
	}

	var out []*Envelope
	for {
		batch, err := cons.FetchNoWait(128)
		if err != nil {
			return nil, fmt.Errorf("fetch replay batch on %s: %w", stream, err)
		}
		count := 0
		for msg := range batch.Messages() {
			count++
			var env Envelope
			if err := json.Unmarshal(msg.Data(), &env); err != nil {
				continue
			}
			out = append(out, &env)
			// Subjects end in the scope's entity id; the bound is per scope,
			// shared across every topic that scope spans.
			subject := msg.Subject()
			scope := subject[strings.LastIndexByte(subject, '.')+1:]
			perScope[scope]++
			if perScope[scope] > maxEvents {
				return nil, ErrReplayWindowExceeded
			}
		}
		if err := batch.Error(); err != nil {
			return nil, fmt.Errorf("replay batch on %s: %w", stream, err)
		}
		if count == 0 {
			return out, nil
		}
	}
}

// topicOfSubject returns the "<ns>.events" topic prefix of a subject filter.
func topicOfSubject(subject string) string {
	for _, topic := range Topics {
		if len(subject) >= len(topic) && subject[:len(topic)] == topic {
			return topic
		}
	}
	return ""
}
