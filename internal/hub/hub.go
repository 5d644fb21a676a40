package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jefftrojan/twigane/internal/apperrors"
	"github.com/jefftrojan/twigane/internal/metrics"
	"github.com/jefftrojan/twigane/internal/model"
	"github.com/jefftrojan/twigane/internal/repository"
)

// Channel is one live duplex connection to a client instance.
type Channel interface {
	ID() string
	Send(ctx context.Context, env model.Envelope) error
	Close() error
}

// Presence is told when a user gains a first channel or loses the last one.
type Presence interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

const (
	DefaultPageSize      = 50
	DefaultSweepInterval = time.Hour
	DefaultSendTimeout   = 10 * time.Second
)

type Options struct {
	Store    repository.Store
	Logger   *zap.SugaredLogger
	Metrics  *metrics.Metrics
	Presence Presence

	SweepInterval time.Duration
	SendTimeout   time.Duration
	PageSize      int

	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

// Hub owns the user -> channel set mapping and notification fan-out.
type Hub struct {
	store    repository.Store
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	presence Presence

	sweepInterval time.Duration
	sendTimeout   time.Duration
	pageSize      int
	now           func() time.Time
	newID         func() string

	mu       sync.Mutex
	channels map[string]map[Channel]struct{}

	presenceCh chan presenceEvent

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type presenceEvent struct {
	userID string
	online bool
}

func New(opts Options) *Hub {
	h := &Hub{
		store:         opts.Store,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		presence:      opts.Presence,
		sweepInterval: opts.SweepInterval,
		sendTimeout:   opts.SendTimeout,
		pageSize:      opts.PageSize,
		now:           opts.Now,
		newID:         opts.NewID,
		channels:      make(map[string]map[Channel]struct{}),
	}
	if h.log == nil {
		h.log = zap.NewNop().Sugar()
	}
	if h.sweepInterval <= 0 {
		h.sweepInterval = DefaultSweepInterval
	}
	if h.sendTimeout <= 0 {
		h.sendTimeout = DefaultSendTimeout
	}
	if h.pageSize <= 0 {
		h.pageSize = DefaultPageSize
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.newID == nil {
		h.newID = uuid.NewString
	}
	if h.presence != nil {
		h.presenceCh = make(chan presenceEvent, 1024)
	}
	return h
}

// Register adds ch to the set of channels for userID.
func (h *Hub) Register(userID string, ch Channel) {
	h.mu.Lock()
	set, ok := h.channels[userID]
	if !ok {
		set = make(map[Channel]struct{})
		h.channels[userID] = set
	}
	_, dup := set[ch]
	set[ch] = struct{}{}
	// queued under mu so presence updates follow the order of map changes
	if !dup && len(set) == 1 {
		h.notifyPresence(userID, true)
	}
	h.mu.Unlock()

	if dup {
		return
	}
	h.metrics.ConnOpened()
	h.log.Debugw("channel registered", "user_id", userID, "channel", ch.ID())
}

// Unregister removes ch from userID's set and drops the user entry once it
// is empty. Removing an unknown channel is a no-op. It reports whether ch
// was registered.
func (h *Hub) Unregister(userID string, ch Channel) bool {
	h.mu.Lock()
	set, ok := h.channels[userID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if _, ok := set[ch]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(h.channels, userID)
		h.notifyPresence(userID, false)
	}
	h.mu.Unlock()

	h.metrics.ConnClosed()
	h.log.Debugw("channel unregistered", "user_id", userID, "channel", ch.ID())
	return true
}

// Online returns how many channels userID currently has.
func (h *Hub) Online(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[userID])
}

func (h *Hub) snapshot(userID string) []Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.channels[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Channel, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	return out
}

// Push sends env to every channel registered for userID and returns how
// many sends succeeded. A channel whose send fails or exceeds the send
// timeout is unregistered and closed; the failure never reaches the caller.
func (h *Hub) Push(ctx context.Context, userID string, env model.Envelope) int {
	chans := h.snapshot(userID)
	if len(chans) == 0 {
		return 0
	}

	errs := make([]error, len(chans))
	var wg sync.WaitGroup
	for i, ch := range chans {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
			defer cancel()
			errs[i] = ch.Send(sctx, env)
		}(i, ch)
	}
	wg.Wait()

	delivered := 0
	for i, err := range errs {
		ch := chans[i]
		if err == nil {
			delivered++
			h.metrics.Pushed()
			continue
		}
		h.metrics.PushFailed()
		h.log.Debugw("push failed, dropping channel",
			"user_id", userID, "channel", ch.ID(), "type", env.Type, "error", err)
		if h.Unregister(userID, ch) {
			_ = ch.Close()
		}
	}
	return delivered
}

// Create validates req, persists the notification and pushes it to the
// recipient's live channels.
func (h *Hub) Create(ctx context.Context, req model.CreateRequest) (*model.Notification, error) {
	now := h.now()
	if err := req.Validate(now); err != nil {
		return nil, err
	}
	n := req.Build(h.newID(), now)
	if err := h.store.Insert(ctx, n); err != nil {
		return nil, fmt.Errorf("%w: insert notification: %v", apperrors.ErrStore, err)
	}
	h.metrics.NotificationCreated(string(n.Type))

	if h.Online(n.UserID) > 0 {
		env, err := model.NewEnvelope(model.EnvelopeNotification, n, now)
		if err != nil {
			h.log.Errorw("encode notification envelope", "id", n.ID, "error", err)
			return n, nil
		}
		delivered := h.Push(ctx, n.UserID, env)
		h.log.Debugw("notification pushed", "id", n.ID, "user_id", n.UserID, "delivered", delivered)
	}
	return n, nil
}

// List returns userID's notifications newest first, one page at most.
func (h *Hub) List(ctx context.Context, userID string, unreadOnly bool) ([]*model.Notification, error) {
	out, err := h.store.FindByUser(ctx, userID, unreadOnly, h.pageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: list notifications: %v", apperrors.ErrStore, err)
	}
	if out == nil {
		out = []*model.Notification{}
	}
	return out, nil
}

// MarkRead marks the notification read when it exists, belongs to userID
// and is unread. Not found and not owned are indistinguishable: both
// return false.
func (h *Hub) MarkRead(ctx context.Context, id, userID string) (bool, error) {
	if id == "" || userID == "" {
		return false, nil
	}
	ok, err := h.store.MarkRead(ctx, id, userID)
	if err != nil {
		return false, fmt.Errorf("%w: mark read: %v", apperrors.ErrStore, err)
	}
	if ok && h.Online(userID) > 0 {
		env, err := model.NewEnvelope(model.EnvelopeRead, map[string]string{"id": id}, h.now())
		if err == nil {
			h.Push(ctx, userID, env)
		}
	}
	return ok, nil
}

// Sweep deletes every notification whose expiry has passed.
func (h *Hub) Sweep(ctx context.Context) (int64, error) {
	n, err := h.store.DeleteExpired(ctx, h.now())
	if err != nil {
		h.metrics.SweepFailed()
		return 0, fmt.Errorf("%w: delete expired: %v", apperrors.ErrStore, err)
	}
	h.metrics.SweptRecords(n)
	return n, nil
}

// Start launches the sweeper (and the presence writer when configured).
// The first sweep runs immediately. Calling Start twice is a no-op.
func (h *Hub) Start(ctx context.Context) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.sweepLoop(ctx)

	if h.presenceCh != nil {
		h.wg.Add(1)
		go h.presenceLoop(ctx)
	}
}

func (h *Hub) sweepLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		if n, err := h.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.log.Errorw("sweep failed, retrying next interval", "error", err, "interval", h.sweepInterval)
		} else if n > 0 {
			h.log.Infow("expired notifications removed", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Hub) notifyPresence(userID string, online bool) {
	if h.presenceCh == nil {
		return
	}
	select {
	case h.presenceCh <- presenceEvent{userID: userID, online: online}:
	default:
		h.log.Warnw("presence queue full, dropping update", "user_id", userID, "online", online)
	}
}

func (h *Hub) presenceLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.presenceCh:
			h.applyPresence(ctx, ev)
		}
	}
}

func (h *Hub) applyPresence(ctx context.Context, ev presenceEvent) {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var err error
	if ev.online {
		err = h.presence.SetOnline(pctx, ev.userID)
	} else {
		err = h.presence.SetOffline(pctx, ev.userID)
	}
	if err != nil {
		h.log.Warnw("presence update failed", "user_id", ev.userID, "online", ev.online, "error", err)
	}
}

// flushPresence writes the updates still queued, then marks every user in
// live offline. It runs after presenceLoop has stopped.
func (h *Hub) flushPresence(live map[string]map[Channel]struct{}) {
	ctx := context.Background()
drain:
	for {
		select {
		case ev := <-h.presenceCh:
			h.applyPresence(ctx, ev)
		default:
			break drain
		}
	}
	for userID := range live {
		h.applyPresence(ctx, presenceEvent{userID: userID, online: false})
	}
}

// Close stops background work, waits for it, then closes every channel and
// records its users as offline.
func (h *Hub) Close() {
	h.lifecycle.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.lifecycle.Unlock()
	h.wg.Wait()

	h.mu.Lock()
	all := h.channels
	h.channels = make(map[string]map[Channel]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for ch := range set {
			h.metrics.ConnClosed()
			_ = ch.Close()
		}
	}
	if h.presenceCh != nil {
		h.flushPresence(all)
	}
}
