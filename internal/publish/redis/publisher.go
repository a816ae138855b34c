// Package redis publishes transcript records to Redis so other services
// can follow a session: every record goes to a pub/sub channel and,
// optionally, to a capped stream for consumers that join late.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/livescribe/internal/live"
)

// Config configures a [Publisher].
type Config struct {
	Addr     string
	Password string
	DB       int

	// Channel receives every record as JSON. Required.
	Channel string

	// Stream, when set, also receives every record via XADD.
	Stream string

	// StreamMaxLen trims the stream approximately. 0 keeps everything.
	StreamMaxLen int64
}

// Publisher writes records to Redis. It is safe for concurrent use.
type Publisher struct {
	client  *goredis.Client
	channel string
	stream  string
	maxLen  int64
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.Addr == "" {
		return nil, errors.New("publish: redis address must not be empty")
	}
	if cfg.Channel == "" {
		return nil, errors.New("publish: channel must not be empty")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("publish: ping %s: %w", cfg.Addr, err)
	}
	return &Publisher{
		client:  client,
		channel: cfg.Channel,
		stream:  cfg.Stream,
		maxLen:  cfg.StreamMaxLen,
	}, nil
}

// Channel returns the pub/sub channel name.
func (p *Publisher) Channel() string {
	return p.channel
}

// Publish sends rec to the channel and, if configured, the stream. Both
// commands go out in one pipeline.
func (p *Publisher) Publish(ctx context.Context, rec live.ResultRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("publish: encode seq %d: %w", rec.Seq, err)
	}

	_, err = p.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Publish(ctx, p.channel, payload)
		if p.stream != "" {
			pipe.XAdd(ctx, streamArgs(p.stream, p.maxLen, rec, payload))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish: seq %d: %w", rec.Seq, err)
	}
	return nil
}

// streamArgs builds the XADD arguments. The session and sequence number are
// separate fields so consumers can filter without decoding the record.
func streamArgs(stream string, maxLen int64, rec live.ResultRecord, payload []byte) *goredis.XAddArgs {
	args := &goredis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"session_id": rec.SessionID,
			"seq":        strconv.FormatUint(rec.Seq, 10),
			"record":     string(payload),
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return args
}

// Ping checks the connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
