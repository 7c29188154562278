package failover

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/logging"
)

// AuthProfile holds one credential for a provider plus its health bookkeeping.
// All mutation goes through the Pool; the orchestrator never touches profiles
// directly.
type AuthProfile struct {
	ID         string
	Provider   string
	Credential string

	failureCount int       // total failures since last success
	consecutive  int       // consecutive cooldown-class failures, drives backoff
	cooldownTill time.Time // zero = available
	reserved     bool      // set only when the pool runs exclusive
}

// FailureCount returns the failures recorded since the last success.
func (p *AuthProfile) FailureCount() int { return p.failureCount }

// CooldownUntil returns the cooldown expiry (zero when available).
func (p *AuthProfile) CooldownUntil() time.Time { return p.cooldownTill }

// PoolOptions configures a credential pool.
type PoolOptions struct {
	// Exclusive reserves a profile from NextCall until MarkSuccess or
	// MarkFailure releases it, so no two concurrent calls share a key.
	// Off by default: cooldown bookkeeping is atomic either way, and
	// exclusivity under load starves short chains. Enable it for providers
	// that rate-limit per key.
	Exclusive bool

	// CooldownBase and CooldownCap bound the exponential backoff applied on
	// auth/rate-limit failures: base*2^(consecutive-1), capped, ±10% jitter.
	CooldownBase time.Duration
	CooldownCap  time.Duration

	Logger logging.Logger

	// Now is the clock used for cooldown decisions, injectable for tests.
	Now func() time.Time
}

// Pool is a process-wide, lock-protected table of auth profiles. It is passed
// into the Manager at construction rather than held as module state, so
// multiple orchestrator instances do not share hidden state.
type Pool struct {
	mu       sync.Mutex
	profiles map[string]*AuthProfile
	byProv   map[string][]*AuthProfile
	opts     PoolOptions
}

// NewPool creates a pool from the given profiles.
func NewPool(profiles []*AuthProfile, optFns ...func(o *PoolOptions)) *Pool {
	opts := PoolOptions{
		CooldownBase: 400 * time.Millisecond,
		CooldownCap:  30 * time.Second,
		Logger:       logging.NoOpLogger{},
		Now:          time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	p := &Pool{
		profiles: make(map[string]*AuthProfile, len(profiles)),
		byProv:   make(map[string][]*AuthProfile),
		opts:     opts,
	}
	for _, prof := range profiles {
		p.profiles[prof.ID] = prof
		p.byProv[prof.Provider] = append(p.byProv[prof.Provider], prof)
	}
	return p
}

// Get returns the profile with the given ID.
func (p *Pool) Get(id string) (*AuthProfile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof, ok := p.profiles[id]
	return prof, ok
}

// acquire picks the best available profile for a provider, skipping cooldowns,
// reservations and already-attempted IDs. Preference order: earliest-expired
// cooldown first, then lowest failure count.
func (p *Pool) acquire(provider string, attempted map[string]bool) (*AuthProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	var best *AuthProfile
	for _, prof := range p.byProv[provider] {
		if attempted[prof.ID] {
			continue
		}
		if prof.cooldownTill.After(now) {
			continue
		}
		if p.opts.Exclusive && prof.reserved {
			continue
		}
		if best == nil ||
			prof.cooldownTill.Before(best.cooldownTill) ||
			(prof.cooldownTill.Equal(best.cooldownTill) && prof.failureCount < best.failureCount) {
			best = prof
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no available profile for provider %s", provider)
	}
	if p.opts.Exclusive {
		best.reserved = true
	}
	return best, nil
}

// markSuccess resets failure bookkeeping and releases any reservation.
func (p *Pool) markSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof, ok := p.profiles[id]
	if !ok {
		return
	}
	prof.failureCount = 0
	prof.consecutive = 0
	prof.cooldownTill = time.Time{}
	prof.reserved = false
}

// markFailure records a failure. cooldown selects whether the failure class
// places the credential in backoff (auth, rate limit) or merely counts.
func (p *Pool) markFailure(id string, cooldown bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof, ok := p.profiles[id]
	if !ok {
		return
	}
	prof.reserved = false
	prof.failureCount++
	if !cooldown {
		return
	}
	prof.consecutive++
	d := p.opts.CooldownBase << (prof.consecutive - 1)
	if d > p.opts.CooldownCap || d <= 0 {
		d = p.opts.CooldownCap
	}
	jitter := time.Duration(float64(d) * 0.1 * (rand.Float64()*2 - 1))
	prof.cooldownTill = p.opts.Now().Add(d + jitter)

	p.opts.Logger.Debug("failover.profile.cooldown",
		"profile", prof.ID,
		"provider", prof.Provider,
		"consecutive", prof.consecutive,
		"until", prof.cooldownTill,
	)
}

// release drops a reservation without recording an outcome, used when a turn
// is cancelled between selection and result.
func (p *Pool) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prof, ok := p.profiles[id]; ok {
		prof.reserved = false
	}
}
