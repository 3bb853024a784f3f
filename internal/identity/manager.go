package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/kon-rad/edge-telemetry-shipper/internal/signing"
)

const (
	DefaultRegistrationRetries = 3
	DefaultRegistrationDelay   = time.Second
	DefaultDebounceWindow      = 5 * time.Minute
	DefaultAttemptTimeout      = 30 * time.Second
)

var ErrRegistrationExhausted = errors.New("agent registration attempts exhausted")

// FatalError means the manager cannot produce an identity and never will in
// this process; callers should shut down.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "identity unavailable: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

type State int

const (
	StateNoIdentity State = iota
	StateGenerating
	StateRegistering
	StateActive
	StateInvalidated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNoIdentity:
		return "no_identity"
	case StateGenerating:
		return "generating"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateInvalidated:
		return "invalidated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Registerer interface {
	Register(ctx context.Context, id *AgentIdentity) error
}

type GenerateFunc func(workspaceID string, now time.Time) (*AgentIdentity, error)

type ManagerConfig struct {
	WorkspaceID string
	Store       Store
	Registrar   Registerer
	// Retries after the first registration attempt.
	Retries int
	// BackOff returns a fresh delay policy per registration; nil waits
	// DefaultRegistrationDelay between attempts.
	BackOff func() backoff.BackOff
	// AttemptTimeout bounds each registration request; a timed out attempt
	// counts toward Retries.
	AttemptTimeout time.Duration
	DebounceWindow time.Duration
	KeyBits        int
	Generate       GenerateFunc
	Now            func() time.Time
	Logger         *slog.Logger
}

// NewBackOff maps a configured strategy name onto a delay policy.
func NewBackOff(strategy string, delay time.Duration) (func() backoff.BackOff, error) {
	switch strategy {
	case "", "fixed":
		return func() backoff.BackOff { return backoff.NewConstantBackOff(delay) }, nil
	case "exponential":
		return func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = delay
			b.MaxElapsedTime = 0
			return b
		}, nil
	default:
		return nil, fmt.Errorf("unknown registration backoff %q", strategy)
	}
}

// Manager owns the agent identity lifecycle. Current and Invalidate are safe
// for concurrent use. Concurrent callers share one provisioning run, and mu
// only guards state so State never waits on the network.
type Manager struct {
	cfg       ManagerConfig
	log       *slog.Logger
	provision singleflight.Group

	mu      sync.Mutex
	state   State
	current *AgentIdentity
	fatal   error
	// GUIDs the backend refused; never loaded back from the store.
	revoked map[string]struct{}
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.WorkspaceID == "" {
		return nil, errors.New("identity manager: workspace id required")
	}
	if cfg.Registrar == nil {
		return nil, errors.New("identity manager: registrar required")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRegistrationRetries
	}
	if cfg.BackOff == nil {
		cfg.BackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(DefaultRegistrationDelay) }
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.KeyBits == 0 {
		cfg.KeyBits = MinKeyBits
	}
	if cfg.Generate == nil {
		bits := cfg.KeyBits
		cfg.Generate = func(workspaceID string, now time.Time) (*AgentIdentity, error) {
			return Generate(workspaceID, now, bits)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		log:     logger.With("component", "identity"),
		revoked: make(map[string]struct{}),
	}, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ready reports the cached outcome: the active identity, the terminal
// error, or neither when provisioning is needed.
func (m *Manager) ready() (id *AgentIdentity, done bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateActive:
		return m.current, true, nil
	case StateFailed:
		return nil, true, m.fatal
	}
	return nil, false, nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Current returns the active identity, provisioning one if needed. Only
// cancellation of ctx is a non-fatal failure.
func (m *Manager) Current(ctx context.Context) (*AgentIdentity, error) {
	for {
		if id, done, err := m.ready(); done {
			return id, err
		}
		ch := m.provision.DoChan("provision", func() (any, error) {
			return m.provisionIdentity(ctx)
		})
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for identity: %w", ctx.Err())
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(*AgentIdentity), nil
			}
			var fatal *FatalError
			if res.Shared && ctx.Err() == nil && !errors.As(res.Err, &fatal) {
				// The run we joined was cancelled by its own caller.
				continue
			}
			return nil, res.Err
		}
	}
}

func (m *Manager) provisionIdentity(ctx context.Context) (*AgentIdentity, error) {
	if id, done, err := m.ready(); done {
		return id, err
	}
	m.mu.Lock()
	prev := m.state
	m.mu.Unlock()

	if id := m.loadRecent(ctx); id != nil {
		m.activate(id)
		m.log.Info("reusing stored identity", "agent_guid", id.AgentGUID)
		return id, nil
	}

	m.setState(StateGenerating)
	id, err := m.cfg.Generate(m.cfg.WorkspaceID, m.cfg.Now())
	if err != nil {
		return nil, m.fail(fmt.Errorf("generate identity: %w", err))
	}

	m.setState(StateRegistering)
	if err := m.register(ctx, id); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.setState(prev)
			return nil, fmt.Errorf("register identity: %w", ctxErr)
		}
		return nil, m.fail(err)
	}

	id.UpdatedAt = m.cfg.Now()
	if err := m.cfg.Store.Save(ctx, id); err != nil {
		m.log.Warn("persist identity failed", "agent_guid", id.AgentGUID, "err", err)
	}
	m.activate(id)
	m.log.Info("identity active", "agent_guid", id.AgentGUID, "not_after", id.Certificate.NotAfter)
	return id, nil
}

// Invalidate drops id if it is still the active identity. Invalidations
// carrying an identity that has already been replaced are ignored. An
// invalidated identity is never reused, even from the store.
func (m *Manager) Invalidate(id *AgentIdentity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive || m.current != id {
		return false
	}
	m.revoked[id.AgentGUID] = struct{}{}
	m.current = nil
	m.state = StateInvalidated
	m.log.Warn("identity invalidated", "agent_guid", id.AgentGUID)
	return true
}

// loadRecent recovers a stored identity younger than the debounce window,
// so a restart does not register a new certificate.
func (m *Manager) loadRecent(ctx context.Context) *AgentIdentity {
	stored, err := m.cfg.Store.Load(ctx)
	if err != nil {
		m.log.Warn("load stored identity failed", "err", err)
		return nil
	}
	if stored == nil || stored.WorkspaceID != m.cfg.WorkspaceID {
		return nil
	}
	if stored.Age(m.cfg.Now()) >= m.cfg.DebounceWindow {
		return nil
	}
	m.mu.Lock()
	_, revoked := m.revoked[stored.AgentGUID]
	m.mu.Unlock()
	if revoked {
		return nil
	}
	return stored
}

func (m *Manager) register(ctx context.Context, id *AgentIdentity) error {
	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
		defer cancel()
		err := m.cfg.Registrar.Register(attemptCtx, id)
		if err == nil {
			return nil
		}
		var keyErr *signing.InvalidKeyError
		if errors.As(err, &keyErr) {
			return backoff.Permanent(err)
		}
		var regErr *RegistrationError
		if errors.As(err, &regErr) {
			if delErr := m.cfg.Store.Delete(ctx); delErr != nil {
				m.log.Warn("clear stored identity failed", "err", delErr)
			}
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		m.log.Warn("agent registration failed", "attempt", attempts, "retry_in", next, "err", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(m.cfg.BackOff(), uint64(m.cfg.Retries)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}
	var keyErr *signing.InvalidKeyError
	if errors.As(err, &keyErr) {
		return err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRegistrationExhausted, attempts, err)
}

func (m *Manager) activate(id *AgentIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = id
	m.state = StateActive
}

func (m *Manager) fail(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fatal = &FatalError{Err: err}
	m.state = StateFailed
	m.current = nil
	m.log.Error("identity manager failed", "err", err)
	return m.fatal
}
