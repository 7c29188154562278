// Package agentcore provides a high-level façade over the turn orchestrator
// and its services (sessions, credentials, policies, tools & logging). Most
// applications interact with this package by:
//  1. Creating an AgentCore via New() with credential profiles and a chain
//  2. Registering model clients and tools
//  3. Submitting turns asynchronously (SubmitTurn) or synchronously (Run)
//
// The façade delegates the state machine to orchestrator.Orchestrator while
// keeping setup concise. All defaults are safe for local development and
// testing; production deployments typically supply a durable session store, a
// stricter policy chain and a structured logger.
package agentcore

import (
	"context"
	"strings"

	"github.com/hupe1980/agentcore/admission"
	"github.com/hupe1980/agentcore/bus"
	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/failover"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/model"
	"github.com/hupe1980/agentcore/orchestrator"
	"github.com/hupe1980/agentcore/policy"
	"github.com/hupe1980/agentcore/session"
	"github.com/hupe1980/agentcore/tool"
)

// Options configures the AgentCore instance.
type Options struct {
	// Config tunes the turn state machine (chain, budgets, timeouts).
	Config orchestrator.Config

	// MaxConcurrentTurns caps turns executing across all sessions.
	MaxConcurrentTurns int64

	// Policies is the ordered tool policy chain. Empty means allow-all.
	Policies []policy.Policy

	// PoolOptions tune credential cooldown behavior.
	PoolOptions []func(o *failover.PoolOptions)

	// SessionStore defaults to the in-memory implementation.
	SessionStore core.SessionStore

	// Logger defaults to NoOp.
	Logger logging.Logger
}

// AgentCore is the high-level façade aggregating the orchestrator and its
// services.
type AgentCore struct {
	opts     Options
	registry *tool.Registry
	clients  map[string]model.Client
	pool     *failover.Pool
	orch     *orchestrator.Orchestrator
	bus      *bus.Bus
}

// New creates an AgentCore over a credential pool. Model clients are added
// with RegisterClient before the first turn; tools with RegisterTool.
func New(profiles []*failover.AuthProfile, optFns ...func(o *Options)) *AgentCore {
	opts := Options{
		MaxConcurrentTurns: 10,
		SessionStore:       session.NewInMemoryStore(),
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	poolFns := append([]func(o *failover.PoolOptions){func(o *failover.PoolOptions) {
		o.Logger = opts.Logger
	}}, opts.PoolOptions...)

	c := &AgentCore{
		opts:     opts,
		registry: tool.NewRegistry(),
		clients:  map[string]model.Client{},
		pool:     failover.NewPool(profiles, poolFns...),
		bus:      bus.New(func(o *bus.Options) { o.Logger = opts.Logger }),
	}
	return c
}

// RegisterClient adds a model client for its provider name. Clients must be
// registered before the first SubmitTurn.
func (c *AgentCore) RegisterClient(client model.Client) {
	c.clients[client.Info().Provider] = client
	c.orch = nil
}

// RegisterTool adds a tool to the registry.
func (c *AgentCore) RegisterTool(t tool.Tool) { c.registry.Register(t) }

// Subscribe attaches a listener to the event bus; every event of every turn
// is delivered to it.
func (c *AgentCore) Subscribe(l bus.Listener) *bus.Subscription { return c.bus.Subscribe(l) }

// Unsubscribe detaches a listener.
func (c *AgentCore) Unsubscribe(s *bus.Subscription) { c.bus.Unsubscribe(s) }

// Orchestrator returns the underlying orchestrator, building it on first
// use from the registered clients.
func (c *AgentCore) Orchestrator() *orchestrator.Orchestrator {
	if c.orch == nil {
		manager := failover.NewManager(c.pool, c.clients, func(o *failover.ManagerOptions) {
			o.Logger = c.opts.Logger
		})
		c.orch = orchestrator.New(manager, func(o *orchestrator.Options) {
			o.Config = c.opts.Config
			o.Store = c.opts.SessionStore
			o.Registry = c.registry
			o.Bus = c.bus
			o.Logger = c.opts.Logger
			o.Policies = policy.NewEngine(c.opts.Policies, func(po *policy.EngineOptions) {
				po.Logger = c.opts.Logger
			})
			o.Admission = admission.NewController(func(ao *admission.Options) {
				ao.MaxConcurrentTurns = c.opts.MaxConcurrentTurns
				ao.Logger = c.opts.Logger
			})
		})
	}
	return c.orch
}

// Audit returns the append-only tool policy audit log.
func (c *AgentCore) Audit() *policy.AuditLog { return c.Orchestrator().Audit() }

// SubmitTurn starts an asynchronous turn returning its event stream.
func (c *AgentCore) SubmitTurn(ctx context.Context, sessionID, userText string, opts ...orchestrator.TurnOption) (<-chan core.Event, error) {
	return c.Orchestrator().SubmitTurn(ctx, sessionID, userText, opts...)
}

// Run is a synchronous helper that drains the event stream and returns the
// final answer text plus every event of the turn. A failed turn returns the
// terminal error.
func (c *AgentCore) Run(ctx context.Context, sessionID, userText string, opts ...orchestrator.TurnOption) (string, []core.Event, error) {
	events, err := c.SubmitTurn(ctx, sessionID, userText, opts...)
	if err != nil {
		return "", nil, err
	}

	var (
		collected []core.Event
		answer    strings.Builder
	)
	for {
		select {
		case <-ctx.Done():
			return "", collected, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return answer.String(), collected, nil
			}
			collected = append(collected, ev)
			switch ev.Kind {
			case core.EventAssistant:
				answer.Reset()
				answer.WriteString(ev.Text)
			case core.EventFailed:
				return "", collected, core.NewError(core.ErrorKind(ev.ErrorKind), ev.ErrorMessage, nil)
			}
		}
	}
}
