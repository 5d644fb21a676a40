package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence records online/offline status per user so other services
// (analytics, the mobile app's friend list) can read it.
// Keys used:
// - <prefix>:presence:<userID> -> json {status,last_seen}
type Presence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type Status struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewPresence(c *redis.Client, prefix string, ttl time.Duration) *Presence {
	return &Presence{client: c, prefix: prefix, ttl: ttl, now: time.Now}
}

func (p *Presence) key(userID string) string { return fmt.Sprintf("%s:presence:%s", p.prefix, userID) }

// SetOnline marks userID online; the record expires after ttl so a crashed
// process does not leave users online forever.
func (p *Presence) SetOnline(ctx context.Context, userID string) error {
	return p.set(ctx, userID, StatusOnline, p.ttl)
}

// SetOffline marks userID offline and keeps the last-seen time.
func (p *Presence) SetOffline(ctx context.Context, userID string) error {
	return p.set(ctx, userID, StatusOffline, 0)
}

func (p *Presence) set(ctx context.Context, userID, status string, ttl time.Duration) error {
	b, err := json.Marshal(Status{Status: status, LastSeen: p.now().Unix()})
	if err != nil {
		return err
	}
	return p.client.Set(ctx, p.key(userID), b, ttl).Err()
}

// Get returns the stored status, or offline with zero last-seen if none.
func (p *Presence) Get(ctx context.Context, userID string) (Status, error) {
	b, err := p.client.Get(ctx, p.key(userID)).Bytes()
	if err == redis.Nil {
		return Status{Status: StatusOffline}, nil
	}
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal(b, &st); err != nil {
		return Status{}, err
	}
	return st, nil
}
