package failover

import (
	"errors"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/model"
)

// ChainEntry is one (provider, model) pair of a fallback chain.
type ChainEntry struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

// Chain is an ordered fallback sequence, primary first. Immutable per turn;
// configured externally.
type Chain []ChainEntry

// Selection names the (provider, model, credential) triple chosen for the
// next model call.
type Selection struct {
	Entry   ChainEntry
	Profile *AuthProfile
	Client  model.Client
}

// ErrExhausted is returned by NextCall when no untried (model, credential)
// pair remains in the chain.
var ErrExhausted = errors.New("failover: fallback chain exhausted")

// Manager picks the next (model, credential) pair for a turn and applies call
// outcomes to the credential pool. It operates only on the model.Client
// capability interface, never on vendor-specific types.
type Manager struct {
	pool    *Pool
	clients map[string]model.Client // by provider name
	logger  logging.Logger
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Logger logging.Logger
}

// NewManager builds a Manager over a credential pool and a provider -> client
// table.
func NewManager(pool *Pool, clients map[string]model.Client, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{pool: pool, clients: clients, logger: opts.Logger}
}

// Attempts tracks the (model, credential) pairs already tried and failed in
// the current turn. Not safe for concurrent use; each turn owns one.
type Attempts struct {
	tried map[string]map[string]bool // entry key -> profile ID -> true
}

// NewAttempts creates an empty attempt history.
func NewAttempts() *Attempts {
	return &Attempts{tried: map[string]map[string]bool{}}
}

func entryKey(e ChainEntry) string { return e.Provider + "/" + e.Model }

// record marks a pair as tried.
func (a *Attempts) record(e ChainEntry, profileID string) {
	k := entryKey(e)
	if a.tried[k] == nil {
		a.tried[k] = map[string]bool{}
	}
	a.tried[k][profileID] = true
}

// SkipModel marks every credential of an entry as tried, used on fatal model
// errors to advance the chain without penalizing the credential.
func (a *Attempts) SkipModel(e ChainEntry) {
	k := entryKey(e)
	if a.tried[k] == nil {
		a.tried[k] = map[string]bool{}
	}
	a.tried[k]["*"] = true
}

func (a *Attempts) skipped(e ChainEntry) bool { return a.tried[entryKey(e)]["*"] }

// NextCall returns the next untried (model, credential) pair for the chain,
// walking entries in order and preferring, within one model, the profile with
// the earliest-expired cooldown and lowest failure count. Profiles still in
// cooldown are skipped. Returns ErrExhausted when nothing remains.
func (m *Manager) NextCall(chain Chain, attempts *Attempts) (Selection, error) {
	for _, entry := range chain {
		if attempts.skipped(entry) {
			continue
		}
		client, ok := m.clients[entry.Provider]
		if !ok {
			m.logger.Warn("failover.provider.unknown", "provider", entry.Provider)
			attempts.SkipModel(entry)
			continue
		}
		prof, err := m.pool.acquire(entry.Provider, attempts.tried[entryKey(entry)])
		if err != nil {
			continue // every credential for this entry is cooling down or tried
		}
		attempts.record(entry, prof.ID)
		return Selection{Entry: entry, Profile: prof, Client: client}, nil
	}
	return Selection{}, ErrExhausted
}

// MarkSuccess resets the profile's failure bookkeeping.
func (m *Manager) MarkSuccess(sel Selection) {
	m.pool.markSuccess(sel.Profile.ID)
}

// MarkFailure applies a call outcome: auth and rate-limit errors place the
// credential in cooldown with exponential backoff; a fatal model error
// advances the chain entry without penalizing the credential; transients
// count against the profile without a cooldown.
func (m *Manager) MarkFailure(sel Selection, kind core.ErrorKind, attempts *Attempts) {
	switch kind {
	case core.ErrKindAuth, core.ErrKindRateLimit:
		m.pool.markFailure(sel.Profile.ID, true)
	case core.ErrKindFatalModel:
		m.pool.release(sel.Profile.ID)
		attempts.SkipModel(sel.Entry)
	default:
		m.pool.markFailure(sel.Profile.ID, false)
	}
	m.logger.Info("failover.call.failed",
		"provider", sel.Entry.Provider,
		"model", sel.Entry.Model,
		"profile", sel.Profile.ID,
		"kind", string(kind),
	)
}

// Release drops any reservation without recording an outcome, used when a
// turn is cancelled between selection and call completion.
func (m *Manager) Release(sel Selection) {
	m.pool.release(sel.Profile.ID)
}
