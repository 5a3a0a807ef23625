package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/watchparty/telemetry"
)

// CooldownStore persists cooldown expiries.
type CooldownStore interface {
	GetCooldown(ctx context.Context, userID, channel, route string) (time.Time, error)
	UpsertCooldown(ctx context.Context, userID, channel, route string, expires time.Time) error
	PurgeCooldowns(ctx context.Context, now time.Time) (int64, error)
}

// Cooldowns answers whether a (user, channel, route) is currently gated.
// Expired entries are ignored on read and removed by the janitor.
type Cooldowns struct {
	store CooldownStore
	now   func() time.Time
}

func NewCooldowns(store CooldownStore) *Cooldowns {
	return &Cooldowns{store: store, now: time.Now}
}

// WithClock replaces the clock used for expiry checks.
func (c *Cooldowns) WithClock(now func() time.Time) *Cooldowns {
	c.now = now
	return c
}

var errInvalidKey = errors.New("cooldown key requires user, channel and route")

func (k CooldownKey) valid() bool {
	return k.UserID != "" && k.Channel != "" && !k.Route.IsZero()
}

// Check reports whether key is gated and for how much longer.
func (c *Cooldowns) Check(ctx context.Context, key CooldownKey) (bool, time.Duration, error) {
	if !key.valid() {
		return false, 0, errInvalidKey
	}
	exp, err := c.store.GetCooldown(ctx, key.UserID, key.Channel, key.Route.String())
	if err != nil {
		return false, 0, fmt.Errorf("get cooldown: %w", err)
	}
	remaining := exp.Sub(c.now())
	if exp.IsZero() || remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

// Set gates key for window starting now.
func (c *Cooldowns) Set(ctx context.Context, key CooldownKey, window time.Duration) error {
	if !key.valid() {
		return errInvalidKey
	}
	if window <= 0 {
		return nil
	}
	return c.store.UpsertCooldown(ctx, key.UserID, key.Channel, key.Route.String(), c.now().Add(window))
}

// Purge deletes expired entries.
func (c *Cooldowns) Purge(ctx context.Context) (int64, error) {
	return c.store.PurgeCooldowns(ctx, c.now())
}

// StartJanitor purges expired entries every interval until ctx ends.
func (c *Cooldowns) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := c.Purge(ctx)
				if err != nil {
					slog.Warn("cooldown purge failed", slog.Any("err", err))
					continue
				}
				if n > 0 {
					slog.Debug("cooldowns purged", slog.Int64("count", n))
				}
			}
		}
	}()
}

// rejected records a cooldown hit.
func rejected() { telemetry.CooldownRejected() }
