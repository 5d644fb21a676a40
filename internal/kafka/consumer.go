package kafka

import (
	"context"
	"errors"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// reader is the part of *kafkago.Reader the consumer uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type Consumer struct {
	reader  reader
	handler *Handler
	log     *zap.SugaredLogger
}

func NewConsumer(brokers []string, topic, groupID string, h *Handler, log *zap.SugaredLogger) *Consumer {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newConsumer(r, h, log)
}

func newConsumer(r reader, h *Handler, log *zap.SugaredLogger) *Consumer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Consumer{reader: r, handler: h, log: log}
}

// Run fetches, handles and commits messages until ctx is cancelled. A
// message whose handling fails is not committed and is fetched again.
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.log.Errorw("kafka fetch", "error", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if err := c.handler.Handle(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Errorw("event left uncommitted", "offset", m.Offset, "error", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warnw("kafka commit", "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
