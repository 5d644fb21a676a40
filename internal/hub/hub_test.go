package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jefftrojan/twigane/internal/apperrors"
	"github.com/jefftrojan/twigane/internal/model"
	"github.com/jefftrojan/twigane/internal/repository"
)

// --- fakes ---

type fakeChannel struct {
	id string

	mu       sync.Mutex
	sent     []model.Envelope
	attempts int
	fail     error
	block    bool
	closed   bool
}

func newChan(id string) *fakeChannel { return &fakeChannel{id: id} }

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Send(ctx context.Context, env model.Envelope) error {
	c.mu.Lock()
	c.attempts++
	fail, block := c.fail, c.block
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail != nil {
		return fail
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Sent() []model.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Envelope(nil), c.sent...)
}

func (c *fakeChannel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *fakeChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type mockStore struct{ mock.Mock }

func (m *mockStore) Insert(ctx context.Context, n *model.Notification) error {
	return m.Called(ctx, n).Error(0)
}
func (m *mockStore) FindByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error) {
	args := m.Called(ctx, userID, unreadOnly, limit)
	out, _ := args.Get(0).([]*model.Notification)
	return out, args.Error(1)
}
func (m *mockStore) MarkRead(ctx context.Context, id, userID string) (bool, error) {
	args := m.Called(ctx, id, userID)
	return args.Bool(0), args.Error(1)
}
func (m *mockStore) DeleteExpired(ctx context.Context, t time.Time) (int64, error) {
	args := m.Called(ctx, t)
	return args.Get(0).(int64), args.Error(1)
}

type fakePresence struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePresence) SetOnline(_ context.Context, userID string) error {
	p.mu.Lock()
	p.events = append(p.events, "online:"+userID)
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) SetOffline(_ context.Context, userID string) error {
	p.mu.Lock()
	p.events = append(p.events, "offline:"+userID)
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// --- helpers ---

func newTestHub(store repository.Store, clock *fakeClock) *Hub {
	var seq int64
	return New(Options{
		Store:       store,
		SendTimeout: 50 * time.Millisecond,
		Now:         clock.Now,
		NewID:       func() string { return fmt.Sprintf("n%d", atomic.AddInt64(&seq, 1)) },
	})
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func reminder(user string) model.CreateRequest {
	return model.CreateRequest{
		UserID:    user,
		TitleRW:   "Igihe cyo kwiga",
		TitleEN:   "Study time",
		MessageRW: "Komeza wige buri munsi",
		Type:      model.CategoryReminder,
	}
}

func registered(h *Hub, user string) []Channel {
	return h.snapshot(user)
}

// --- registration ---

func TestRegisterUnregister_NetEffect(t *testing.T) {
	h := newTestHub(repository.NewMemoryStore(), newClock())
	a, b, c := newChan("a"), newChan("b"), newChan("c")

	h.Register("u1", a)
	h.Register("u1", b)
	h.Register("u1", a) // duplicate
	h.Register("u2", c)
	assert.Equal(t, 2, h.Online("u1"))
	assert.Equal(t, 1, h.Online("u2"))

	assert.True(t, h.Unregister("u1", a))
	assert.ElementsMatch(t, []Channel{b}, registered(h, "u1"))

	assert.True(t, h.Unregister("u1", b))
	assert.Equal(t, 0, h.Online("u1"))
	h.mu.Lock()
	_, present := h.channels["u1"]
	h.mu.Unlock()
	assert.False(t, present, "empty set must be removed")

	assert.Equal(t, 1, h.Online("u2"))
}

func TestUnregister_Idempotent(t *testing.T) {
	h := newTestHub(repository.NewMemoryStore(), newClock())
	a := newChan("a")

	assert.False(t, h.Unregister("ghost", a))
	h.Register("u1", a)
	assert.True(t, h.Unregister("u1", a))
	assert.False(t, h.Unregister("u1", a))
	assert.False(t, h.Unregister("u1", newChan("never")))
}

func TestRegister_ConcurrentWithPush(t *testing.T) {
	h := newTestHub(repository.NewMemoryStore(), newClock())
	env, _ := model.NewEnvelope(model.EnvelopeNotification, nil, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		ch := newChan(fmt.Sprintf("c%d", i))
		if i%3 == 0 {
			ch.fail = errors.New("broken pipe")
		}
		go func() { defer wg.Done(); h.Register("u1", ch) }()
		go func() { defer wg.Done(); h.Push(context.Background(), "u1", env) }()
		go func() { defer wg.Done(); h.Unregister("u1", ch) }()
	}
	wg.Wait()

	for _, ch := range registered(h, "u1") {
		h.Unregister("u1", ch)
	}
	assert.Equal(t, 0, h.Online("u1"))
}

// --- push ---

func TestPush_FailingChannelIsDropped(t *testing.T) {
	h := newTestHub(repository.NewMemoryStore(), newClock())
	ok1, bad, ok2 := newChan("ok1"), newChan("bad"), newChan("ok2")
	bad.fail = errors.New("connection reset")
	h.Register("u1", ok1)
	h.Register("u1", bad)
	h.Register("u1", ok2)

	env, err := model.NewEnvelope(model.EnvelopeNotification, map[string]string{"k": "v"}, time.Now())
	require.NoError(t, err)

	delivered := h.Push(context.Background(), "u1", env)

	assert.Equal(t, 2, delivered)
	assert.Len(t, ok1.Sent(), 1)
	assert.Len(t, ok2.Sent(), 1)
	assert.True(t, bad.Closed())
	assert.ElementsMatch(t, []Channel{ok1, ok2}, registered(h, "u1"))

	delivered = h.Push(context.Background(), "u1", env)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, bad.Attempts(), "dropped channel must not be retried")
}

func TestPush_TimeoutCountsAsFailure(t *testing.T) {
	h := newTestHub(repository.NewMemoryStore(), newClock())
	slow, fast := newChan("slow"), newChan("fast")
	slow.block = true
	h.Register("u1", slow)
	h.Register("u1", fast)

	env, _ := model.NewEnvelope(model.EnvelopeNotification, nil, time.Now())
	delivered := h.Push(context.Background(), "u1", env)

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, h.Online("u1"))
	assert.True(t, slow.Closed())
}

func TestPush_NoChannels(t *testing.T) {
	h := newTestHub(repository.NewMemoryStore(), newClock())
	env, _ := model.NewEnvelope(model.EnvelopeNotification, nil, time.Now())
	assert.Equal(t, 0, h.Push(context.Background(), "nobody", env))
}

// --- create / list / mark read ---

func TestCreate_ThenListUnread(t *testing.T) {
	h := newTestHub(repository.NewMemoryStore(), newClock())
	ctx := context.Background()

	n, err := h.Create(ctx, reminder("u1"))
	require.NoError(t, err)
	assert.Equal(t, "n1", n.ID)
	assert.Equal(t, model.PriorityNormal, n.Priority)

	got, err := h.List(ctx, "u1", true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, n.ID, got[0].ID)
	assert.False(t, got[0].Read)
}

func TestCreate_ValidationError(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newTestHub(store, newClock())

	req := reminder("u1")
	req.Type = "marketing"
	_, err := h.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	req = reminder("")
	_, err = h.Create(context.Background(), req)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	assert.Equal(t, 0, store.Len())
}

func TestCreate_RejectsOverflowingTTL(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newTestHub(store, newClock())

	for _, ttl := range []int64{math.MaxInt64, 1 << 40} {
		req := reminder("u1")
		req.TTLSeconds = ttl
		_, err := h.Create(context.Background(), req)
		assert.ErrorIs(t, err, apperrors.ErrValidation, "ttl %d", ttl)
	}
	assert.Equal(t, 0, store.Len())
}

func TestCreate_StoreFailureSurfaces(t *testing.T) {
	ms := &mockStore{}
	ms.On("Insert", mock.Anything, mock.AnythingOfType("*model.Notification")).Return(errors.New("no primary"))
	h := newTestHub(ms, newClock())
	ch := newChan("a")
	h.Register("u1", ch)

	_, err := h.Create(context.Background(), reminder("u1"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrStore))
	assert.Empty(t, ch.Sent(), "nothing is pushed when the insert fails")
	ms.AssertExpectations(t)
}

func TestCreate_PushesNotificationEnvelope(t *testing.T) {
	clock := newClock()
	h := newTestHub(repository.NewMemoryStore(), clock)
	a, b := newChan("a"), newChan("b")
	h.Register("u1", a)
	h.Register("u1", b)
	other := newChan("other")
	h.Register("u2", other)

	n, err := h.Create(context.Background(), reminder("u1"))
	require.NoError(t, err)

	for _, ch := range []*fakeChannel{a, b} {
		sent := ch.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, model.EnvelopeNotification, sent[0].Type)
		assert.Equal(t, clock.Now(), sent[0].Timestamp)
		var got model.Notification
		require.NoError(t, json.Unmarshal(sent[0].Payload, &got))
		assert.Equal(t, n.ID, got.ID)
		assert.Equal(t, "Study time", got.TitleEN)
	}
	assert.Empty(t, other.Sent())
}

func TestList_EmptyAndStoreFailure(t *testing.T) {
	h := newTestHub(repository.NewMemoryStore(), newClock())
	got, err := h.List(context.Background(), "u1", false)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	ms := &mockStore{}
	ms.On("FindByUser", mock.Anything, "u1", true, DefaultPageSize).Return(nil, errors.New("timeout"))
	h = newTestHub(ms, newClock())
	_, err = h.List(context.Background(), "u1", true)
	assert.True(t, errors.Is(err, apperrors.ErrStore))
	ms.AssertExpectations(t)
}

func TestList_NewestFirstCapped(t *testing.T) {
	clock := newClock()
	h := newTestHub(repository.NewMemoryStore(), clock)
	for i := 0; i < DefaultPageSize+5; i++ {
		_, err := h.Create(context.Background(), reminder("u1"))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	got, err := h.List(context.Background(), "u1", false)
	require.NoError(t, err)
	require.Len(t, got, DefaultPageSize)
	assert.Equal(t, fmt.Sprintf("n%d", DefaultPageSize+5), got[0].ID)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].CreatedAt.After(got[i].CreatedAt))
	}
}

func TestMarkRead_OnceThenNoop(t *testing.T) {
	h := newTestHub(repository.NewMemoryStore(), newClock())
	ctx := context.Background()
	n, err := h.Create(ctx, reminder("u1"))
	require.NoError(t, err)

	ok, err := h.MarkRead(ctx, n.ID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	unread, err := h.List(ctx, "u1", true)
	require.NoError(t, err)
	assert.Empty(t, unread)

	ok, err = h.MarkRead(ctx, n.ID, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkRead_NotOwnedOrMissing(t *testing.T) {
	h := newTestHub(repository.NewMemoryStore(), newClock())
	ctx := context.Background()
	n, err := h.Create(ctx, reminder("u1"))
	require.NoError(t, err)

	ok, err := h.MarkRead(ctx, n.ID, "intruder")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.MarkRead(ctx, "does-not-exist", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	unread, _ := h.List(ctx, "u1", true)
	assert.Len(t, unread, 1)
}

func TestMarkRead_SyncsDevices(t *testing.T) {
	h := newTestHub(repository.NewMemoryStore(), newClock())
	ctx := context.Background()
	n, err := h.Create(ctx, reminder("u1"))
	require.NoError(t, err)

	phone := newChan("phone")
	h.Register("u1", phone)
	ok, err := h.MarkRead(ctx, n.ID, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	sent := phone.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, model.EnvelopeRead, sent[0].Type)
	assert.JSONEq(t, fmt.Sprintf(`{"id":%q}`, n.ID), string(sent[0].Payload))
}

func TestMarkRead_StoreFailure(t *testing.T) {
	ms := &mockStore{}
	ms.On("MarkRead", mock.Anything, "n1", "u1").Return(false, errors.New("down"))
	h := newTestHub(ms, newClock())

	ok, err := h.MarkRead(context.Background(), "n1", "u1")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, apperrors.ErrStore))
}

// --- sweep ---

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	clock := newClock()
	h := newTestHub(repository.NewMemoryStore(), clock)
	ctx := context.Background()

	short := reminder("u1")
	short.TTLSeconds = 60
	expiring, err := h.Create(ctx, short)
	require.NoError(t, err)

	long := reminder("u1")
	long.TTLSeconds = 3 * 3600
	_, err = h.Create(ctx, long)
	require.NoError(t, err)

	_, err = h.Create(ctx, reminder("u1"))
	require.NoError(t, err)

	removed, err := h.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	clock.Advance(2 * time.Minute)
	removed, err = h.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	left, err := h.List(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, left, 2)
	for _, n := range left {
		assert.NotEqual(t, expiring.ID, n.ID)
	}
}

type flakySweepStore struct {
	*repository.MemoryStore
	calls int64
}

func (s *flakySweepStore) DeleteExpired(ctx context.Context, t time.Time) (int64, error) {
	if atomic.AddInt64(&s.calls, 1) == 1 {
		return 0, errors.New("transient")
	}
	return s.MemoryStore.DeleteExpired(ctx, t)
}

func (s *flakySweepStore) Calls() int64 { return atomic.LoadInt64(&s.calls) }

func TestStart_SweepFailureKeepsLooping(t *testing.T) {
	store := &flakySweepStore{MemoryStore: repository.NewMemoryStore()}
	h := New(Options{Store: store, SweepInterval: 10 * time.Millisecond})
	h.Start(context.Background())

	assert.Eventually(t, func() bool {
		return store.Calls() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	h.Close()
	calls := store.Calls()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, calls, store.Calls(), "sweeper must stop after Close")
}

// --- lifecycle / presence ---

func TestClose_ClosesChannels(t *testing.T) {
	h := newTestHub(repository.NewMemoryStore(), newClock())
	a, b := newChan("a"), newChan("b")
	h.Register("u1", a)
	h.Register("u2", b)
	h.Start(context.Background())

	h.Close()

	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, 0, h.Online("u1"))
	assert.False(t, h.Unregister("u1", a))
}

func TestPresence_FirstAndLastChannel(t *testing.T) {
	p := &fakePresence{}
	h := New(Options{Store: repository.NewMemoryStore(), Presence: p, SweepInterval: time.Hour})
	h.Start(context.Background())
	defer h.Close()

	a, b := newChan("a"), newChan("b")
	h.Register("u1", a)
	h.Register("u1", b)
	h.Unregister("u1", a)
	h.Unregister("u1", b)

	assert.Eventually(t, func() bool {
		return len(p.Events()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"online:u1", "offline:u1"}, p.Events())
}

func TestPresence_OrderFollowsRegistrations(t *testing.T) {
	p := &fakePresence{}
	h := New(Options{Store: repository.NewMemoryStore(), Presence: p, SweepInterval: time.Hour})
	h.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := newChan(fmt.Sprintf("c%d", i))
			h.Register("u1", ch)
			h.Unregister("u1", ch)
		}(i)
	}
	wg.Wait()
	h.Close()

	events := p.Events()
	require.NotEmpty(t, events)
	require.Zero(t, len(events)%2)
	for i, ev := range events {
		if i%2 == 0 {
			assert.Equal(t, "online:u1", ev, "event %d", i)
		} else {
			assert.Equal(t, "offline:u1", ev, "event %d", i)
		}
	}
}

func TestClose_MarksLiveUsersOffline(t *testing.T) {
	p := &fakePresence{}
	h := New(Options{Store: repository.NewMemoryStore(), Presence: p, SweepInterval: time.Hour})
	h.Register("u1", newChan("a"))
	h.Register("u1", newChan("b"))
	h.Register("u2", newChan("c"))
	h.Start(context.Background())

	h.Close()

	events := p.Events()
	require.Len(t, events, 4)
	assert.ElementsMatch(t, []string{"online:u1", "online:u2"}, events[:2])
	assert.ElementsMatch(t, []string{"offline:u1", "offline:u2"}, events[2:])
}

func TestClose_WithoutStartStillFlushesPresence(t *testing.T) {
	p := &fakePresence{}
	h := New(Options{Store: repository.NewMemoryStore(), Presence: p, SweepInterval: time.Hour})
	h.Register("u1", newChan("a"))

	h.Close()

	assert.Equal(t, []string{"online:u1", "offline:u1"}, p.Events())
}

// --- end-to-end scenario ---

func TestScenario_OfflineThenOnline(t *testing.T) {
	store := repository.NewMemoryStore()
	h := newTestHub(store, newClock())
	ctx := context.Background()

	first, err := h.Create(ctx, model.CreateRequest{
		UserID: "u1", Type: model.CategoryReminder,
		TitleRW: "Study time", MessageRW: "...",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	ch := newChan("tab-1")
	h.Register("u1", ch)

	second, err := h.Create(ctx, reminder("u1"))
	require.NoError(t, err)

	sent := ch.Sent()
	require.Len(t, sent, 1)
	var got model.Notification
	require.NoError(t, json.Unmarshal(sent[0].Payload, &got))
	assert.Equal(t, second.ID, got.ID)
	assert.NotEqual(t, first.ID, got.ID)
}
