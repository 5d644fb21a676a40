package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/jefftrojan/twigane/internal/apperrors"
	"github.com/jefftrojan/twigane/internal/metrics"
	"github.com/jefftrojan/twigane/internal/model"
)

const EventNotificationCreate = "notification.create"

var ErrUnknownEvent = errors.New("unknown event type")

// Event is the value of a message on the events topic.
type Event struct {
	Type         string               `json:"type"`
	Notification *model.CreateRequest `json:"notification,omitempty"`
}

// Creator persists and pushes a notification; *hub.Hub satisfies it.
type Creator interface {
	Create(ctx context.Context, req model.CreateRequest) (*model.Notification, error)
}

// Publisher receives events that could not be handled.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte, headers map[string]string) error
}

type HandlerOptions struct {
	MaxRetries   int
	RetryBackoff time.Duration
	DLQ          Publisher
	Metrics      *metrics.Metrics
	Logger       *zap.SugaredLogger
}

type Handler struct {
	creator Creator
	opts    HandlerOptions
	log     *zap.SugaredLogger
}

func NewHandler(c Creator, opts HandlerOptions) *Handler {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{creator: c, opts: opts, log: log}
}

func decode(value []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: decode event: %v", apperrors.ErrValidation, err)
	}
	switch ev.Type {
	case EventNotificationCreate:
		if ev.Notification == nil {
			return Event{}, fmt.Errorf("%w: notification missing", apperrors.ErrValidation)
		}
		return ev, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

// Handle turns one message into a notification. Store failures are retried
// with exponential backoff; anything still failing goes to the DLQ. Handle
// only returns an error when the message must not be committed, which is
// when ctx ended or the DLQ write failed.
func (h *Handler) Handle(ctx context.Context, msg kafkago.Message) error {
	ev, err := decode(msg.Value)
	if err == nil {
		err = h.create(ctx, *ev.Notification)
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	h.opts.Metrics.EventFailed()
	h.log.Warnw("event failed", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
	if h.opts.DLQ == nil {
		return nil
	}
	headers := map[string]string{
		"error":        err.Error(),
		"source_topic": msg.Topic,
	}
	if derr := h.opts.DLQ.Publish(ctx, msg.Key, msg.Value, headers); derr != nil {
		return fmt.Errorf("dead-letter offset %d: %w", msg.Offset, derr)
	}
	return nil
}

func (h *Handler) create(ctx context.Context, req model.CreateRequest) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.opts.RetryBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(h.opts.MaxRetries)), ctx)

	return backoff.Retry(func() error {
		_, err := h.creator.Create(ctx, req)
		if err == nil || errors.Is(err, apperrors.ErrStore) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
