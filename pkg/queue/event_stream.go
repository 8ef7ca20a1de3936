package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dealroom/pkg/domain"
)

// StreamConfig configures an EventStream.
type StreamConfig struct {
	Addr     string
	Password string
	Stream   string
	// MaxLen caps the stream length (approximate trimming).
	MaxLen int64
	// Block bounds a single XREAD wait in Tail.
	Block time.Duration
	// Buffer is the number of events Publish may hold before dropping.
	Buffer int
}

// Entry is one appended event with its stream id.
type Entry struct {
	ID    string       `json:"id"`
	Event domain.Event `json:"event"`
}

// EventStream appends domain events to a capped Redis stream so activity
// survives restarts and can be followed from another process.
type EventStream struct {
	client     *redis.Client
	ownsClient bool
	stream     string
	maxLen     int64
	block      time.Duration
	pending    chan domain.Event
	stopOnce   sync.Once
	stopped    chan struct{}
}

// NewEventStream dials its own Redis client.
func NewEventStream(cfg StreamConfig) (*EventStream, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	s, err := NewEventStreamWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}), cfg)
	if err != nil {
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// NewEventStreamWithClient shares an existing client; Close leaves it open.
func NewEventStreamWithClient(client *redis.Client, cfg StreamConfig) (*EventStream, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("stream name required")
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	return &EventStream{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		block:   block,
		pending: make(chan domain.Event, buffer),
		stopped: make(chan struct{}),
	}, nil
}

// Publish queues evt for Run. It never blocks; a full buffer drops the event.
func (s *EventStream) Publish(evt domain.Event) {
	select {
	case <-s.stopped:
		return
	default:
	}
	select {
	case s.pending <- evt:
	default:
		slog.Warn("activity stream buffer full, event dropped", "type", evt.Type, "deal_id", evt.DealID)
	}
}

// Run appends queued events until ctx ends, then flushes what is left.
func (s *EventStream) Run(ctx context.Context) {
	defer s.stopOnce.Do(func() { close(s.stopped) })
	for {
		select {
		case evt := <-s.pending:
			s.appendLogged(ctx, evt)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			for {
				select {
				case evt := <-s.pending:
					s.appendLogged(flushCtx, evt)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has flushed and returned.
func (s *EventStream) Done() <-chan struct{} {
	return s.stopped
}

func (s *EventStream) appendLogged(ctx context.Context, evt domain.Event) {
	if _, err := s.Append(ctx, evt); err != nil {
		slog.Warn("activity stream append failed", "type", evt.Type, "err", err)
	}
}

// Append writes evt synchronously and returns its stream id.
func (s *EventStream) Append(ctx context.Context, evt domain.Event) (string, error) {
	values, err := encodeEvent(evt)
	if err != nil {
		return "", err
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return id, nil
}

// Recent returns up to n entries, newest first.
func (s *EventStream) Recent(ctx context.Context, n int64) ([]Entry, error) {
	if n <= 0 {
		n = 50
	}
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", s.stream, err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := decodeEntry(msg)
		if err != nil {
			slog.Warn("skipping malformed activity entry", "id", msg.ID, "err", err)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Tail calls fn for each entry after from ("$" for new entries only, "0" for
// the whole stream) until ctx ends or fn returns an error.
func (s *EventStream) Tail(ctx context.Context, from string, fn func(Entry) error) error {
	if from == "" {
		from = "$"
	}
	last := from
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, last},
			Count:   100,
			Block:   s.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread %s: %w", s.stream, err)
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				last = msg.ID
				entry, err := decodeEntry(msg)
				if err != nil {
					slog.Warn("skipping malformed activity entry", "id", msg.ID, "err", err)
					continue
				}
				if err := fn(entry); err != nil {
					return err
				}
			}
		}
	}
}

// Close releases the client when the stream dialed it.
func (s *EventStream) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

func encodeEvent(evt domain.Event) (map[string]any, error) {
	values := map[string]any{
		"type": string(evt.Type),
		"at":   evt.At.UTC().Format(time.RFC3339Nano),
	}
	if evt.DealID != "" {
		values["deal_id"] = evt.DealID
	}
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		values["payload"] = string(raw)
	}
	return values, nil
}

func decodeEntry(msg redis.XMessage) (Entry, error) {
	typ, _ := msg.Values["type"].(string)
	if typ == "" {
		return Entry{}, errors.New("missing type")
	}
	evt := domain.Event{Type: domain.EventType(typ)}
	evt.DealID, _ = msg.Values["deal_id"].(string)
	if v, _ := msg.Values["at"].(string); v != "" {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Entry{}, fmt.Errorf("parse at: %w", err)
		}
		evt.At = at
	}
	if v, _ := msg.Values["payload"].(string); v != "" {
		if !json.Valid([]byte(v)) {
			return Entry{}, errors.New("payload is not JSON")
		}
		evt.Payload = json.RawMessage(v)
	}
	return Entry{ID: msg.ID, Event: evt}, nil
}
