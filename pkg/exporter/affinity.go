package exporter

import (
	"context"
	"time"

	"github.com/stleox/seespan/pkg/span"
	"github.com/stleox/seespan/pkg/ttlcache"
	"github.com/zoobzio/clockz"
)

type originKey struct{}

// OriginFromContext returns the origin a resolved execution context belongs to.
func OriginFromContext(ctx context.Context) (span.Origin, bool) {
	o, ok := ctx.Value(originKey{}).(span.Origin)
	return o, ok
}

// ContextResolver hands out one execution context per (process, thread), so
// that backend calls for the same originating thread always share a context
// no matter how the events were interleaved on the way in.
// Contexts expire ttl after their last use and are then replaced by fresh ones.
type ContextResolver struct {
	base  context.Context
	cache *ttlcache.Cache[span.Origin, context.Context]
}

func NewContextResolver(base context.Context, ttl time.Duration, clock clockz.Clock) *ContextResolver {
	if base == nil {
		base = context.Background()
	}
	return &ContextResolver{
		base:  base,
		cache: ttlcache.NewWithClock[span.Origin, context.Context](ttl, clock),
	}
}

// Resolve returns the context of o and restarts its ttl.
func (r *ContextResolver) Resolve(o span.Origin) context.Context {
	ctx, _ := r.cache.GetOrSet(o, func() context.Context {
		return context.WithValue(r.base, originKey{}, o)
	})
	return ctx
}

// Len is the number of live contexts.
func (r *ContextResolver) Len() int {
	return r.cache.Len()
}
