package aggregate

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
	"github.com/go-redis/redis/v8"
)

// RedisAggregator stores totals in Redis hashes so that multiple server
// instances share one view. Counts live in agg:<experiment> as
// <variant>:n and <variant>:s fields; continuous metrics live in
// aggv:<experiment> as <variant>:n, <variant>:sum, <variant>:sumsq. The
// variance read back is the sample variance derived from sum and sum of
// squares, which matches Welford up to rounding for the magnitudes seen
// in metric data.
type RedisAggregator struct {
	client *redis.Client
}

// NewRedisAggregator wraps an existing client; the caller owns its
// lifecycle.
func NewRedisAggregator(client *redis.Client) *RedisAggregator {
	return &RedisAggregator{client: client}
}

func countsKey(experimentID string) string { return "agg:" + experimentID }
func valuesKey(experimentID string) string { return "aggv:" + experimentID }

func (a *RedisAggregator) RecordExposure(ctx context.Context, experimentID, variantID string) error {
	if err := a.client.HIncrBy(ctx, countsKey(experimentID), variantID+":n", 1).Err(); err != nil {
		return fmt.Errorf("redis exposure incr: %w", err)
	}
	return nil
}

func (a *RedisAggregator) RecordOutcome(ctx context.Context, experimentID, variantID string, success bool) error {
	if !success {
		// Ensure the arm exists in the hash even with zero successes.
		if err := a.client.HSetNX(ctx, countsKey(experimentID), variantID+":s", 0).Err(); err != nil {
			return fmt.Errorf("redis outcome init: %w", err)
		}
		return nil
	}
	if err := a.client.HIncrBy(ctx, countsKey(experimentID), variantID+":s", 1).Err(); err != nil {
		return fmt.Errorf("redis outcome incr: %w", err)
	}
	return nil
}

func (a *RedisAggregator) RecordValue(ctx context.Context, experimentID, variantID string, value float64) error {
	pipe := a.client.Pipeline()
	key := valuesKey(experimentID)
	pipe.HIncrBy(ctx, key, variantID+":n", 1)
	pipe.HIncrByFloat(ctx, key, variantID+":sum", value)
	pipe.HIncrByFloat(ctx, key, variantID+":sumsq", value*value)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis value incr: %w", err)
	}
	return nil
}

func (a *RedisAggregator) VariantCounts(ctx context.Context, experimentID string) (map[string]api.VariantCounts, error) {
	fields, err := a.client.HGetAll(ctx, countsKey(experimentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis counts read: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNoData
	}

	out := make(map[string]api.VariantCounts)
	for field, raw := range fields {
		variantID, kind, ok := splitField(field)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis counts field %q: %w", field, err)
		}
		vc := out[variantID]
		switch kind {
		case "n":
			vc.N = n
		case "s":
			vc.Successes = n
		}
		out[variantID] = vc
	}
	return out, nil
}

func (a *RedisAggregator) VariantStats(ctx context.Context, experimentID string) (map[string]api.VariantStats, error) {
	fields, err := a.client.HGetAll(ctx, valuesKey(experimentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis stats read: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNoData
	}

	type acc struct{ n, sum, sumsq float64 }
	accs := make(map[string]*acc)
	for field, raw := range fields {
		variantID, kind, ok := splitField(field)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("redis stats field %q: %w", field, err)
		}
		cur, ok := accs[variantID]
		if !ok {
			cur = &acc{}
			accs[variantID] = cur
		}
		switch kind {
		case "n":
			cur.n = v
		case "sum":
			cur.sum = v
		case "sumsq":
			cur.sumsq = v
		}
	}

	out := make(map[string]api.VariantStats, len(accs))
	for id, cur := range accs {
		st := api.VariantStats{N: int64(cur.n)}
		if cur.n > 0 {
			st.Mean = cur.sum / cur.n
		}
		if cur.n > 1 {
			st.Variance = (cur.sumsq - cur.sum*cur.sum/cur.n) / (cur.n - 1)
		}
		out[id] = st
	}
	return out, nil
}

// splitField breaks "<variant>:<kind>" using the last colon, so variant
// IDs containing colons still parse.
func splitField(field string) (variantID, kind string, ok bool) {
	i := strings.LastIndex(field, ":")
	if i <= 0 || i == len(field)-1 {
		return "", "", false
	}
	return field[:i], field[i+1:], true
}
