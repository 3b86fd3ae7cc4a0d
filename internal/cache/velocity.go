package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vanshika/guardpay/backend/internal/domain"
)

// VelocityWindow tracks transfer outcomes per sender in sorted sets scored by
// unix milliseconds.
type VelocityWindow struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewVelocityWindow counts outcomes in [now-window, now].
func NewVelocityWindow(client *redis.Client, prefix string, window time.Duration) *VelocityWindow {
	return &VelocityWindow{client: client, prefix: prefixed(prefix, "velocity"), window: window}
}

func (v *VelocityWindow) key(sender string, outcome domain.Outcome) string {
	return v.prefix + ":" + sender + ":" + string(outcome)
}

func (v *VelocityWindow) Count(ctx context.Context, sender string, now time.Time) (int, int, error) {
	from := strconv.FormatInt(now.Add(-v.window).UnixMilli(), 10)
	to := strconv.FormatInt(now.UnixMilli(), 10)

	var approved, denied *redis.IntCmd
	_, err := v.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		approved = p.ZCount(ctx, v.key(sender, domain.OutcomeApproved), from, to)
		denied = p.ZCount(ctx, v.key(sender, domain.OutcomeDenied), from, to)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return int(approved.Val()), int(denied.Val()), nil
}

func (v *VelocityWindow) Record(ctx context.Context, sender string, outcome domain.Outcome, at time.Time) error {
	key := v.key(sender, outcome)
	cutoff := strconv.FormatInt(at.Add(-v.window).UnixMilli()-1, 10)
	_, err := v.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: uuid.NewString()})
		p.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		p.Expire(ctx, key, 2*v.window)
		return nil
	})
	return err
}
