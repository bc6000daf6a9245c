package call

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rsavin/huddle/internal/core"
	"github.com/rsavin/huddle/internal/domain"
)

// IncomingCallContext is everything the host application needs to
// present an incoming call: who, how to display them, and which
// conversation to surface. Provisional marks placeholder display data
// that may be upgraded in place once the directory resolves.
type IncomingCallContext struct {
	CallID      domain.CallID
	Caller      domain.UserID
	Display     domain.Profile
	RoutingHint string
	Provisional bool
}

// Router resolves caller identities to display data: local cache
// first, directory fallback, placeholder when both miss. Resolve never
// blocks call delivery; upgrades arrive via OnUpgraded.
type Router struct {
	dir           core.Directory
	lookupTimeout time.Duration

	mu          sync.Mutex
	cache       map[domain.UserID]domain.Profile
	nextSub     int
	upgradeSubs map[int]func(IncomingCallContext)
}

func NewRouter(dir core.Directory, lookupTimeout time.Duration) *Router {
	return &Router{
		dir:           dir,
		lookupTimeout: lookupTimeout,
		cache:         make(map[domain.UserID]domain.Profile),
		upgradeSubs:   make(map[int]func(IncomingCallContext)),
	}
}

// OnUpgraded registers a durable handler for display data that
// resolves after a provisional context was delivered.
func (r *Router) OnUpgraded(fn func(IncomingCallContext)) (cancel func()) {
	r.mu.Lock()
	key := r.nextSub
	r.nextSub++
	r.upgradeSubs[key] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.upgradeSubs, key)
		r.mu.Unlock()
	}
}

// Resolve returns a presentable context immediately. On a cache miss
// the display is a placeholder and the directory lookup runs in the
// background; on success the cache is populated and OnUpgraded fires.
// The routing hint is the caller identity: the host maps it to a
// conversation, the router knows nothing about conversations.
func (r *Router) Resolve(ctx context.Context, id domain.CallID, caller domain.UserID) IncomingCallContext {
	out := IncomingCallContext{
		CallID:      id,
		Caller:      caller,
		RoutingHint: string(caller),
	}

	r.mu.Lock()
	if p, ok := r.cache[caller]; ok {
		r.mu.Unlock()
		out.Display = p
		return out
	}
	r.mu.Unlock()

	out.Display = domain.PlaceholderProfile(caller)
	out.Provisional = true

	go r.lookup(ctx, out)
	return out
}

func (r *Router) lookup(ctx context.Context, provisional IncomingCallContext) {
	lctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	p, err := r.dir.Resolve(lctx, provisional.Caller)
	if err != nil {
		// Placeholder stands; an incoming call is presentable either way.
		log.Warn().Err(err).Str("module", "call.router").Str("identity", string(provisional.Caller)).Msg("directory lookup failed")
		return
	}

	r.mu.Lock()
	r.cache[provisional.Caller] = *p
	subs := make([]func(IncomingCallContext), 0, len(r.upgradeSubs))
	for _, fn := range r.upgradeSubs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	upgraded := provisional
	upgraded.Display = *p
	upgraded.Provisional = false
	for _, fn := range subs {
		fn(upgraded)
	}
}
