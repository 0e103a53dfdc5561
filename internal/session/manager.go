package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/xid"

	"github.com/sakif/codeflow/internal/apperror"
)

// ManagerConfig configures session creation and expiry.
type ManagerConfig struct {
	// DefaultPolicy is used when Create is called with an empty policy.
	DefaultPolicy Policy
	// IdleTTL closes sessions that had no activity and no run for this long.
	// Zero disables expiry.
	IdleTTL time.Duration
	// SweepInterval is how often the janitor looks for idle sessions.
	SweepInterval time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultPolicy: PolicyReplace,
		IdleTTL:       30 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Manager is the concurrent table of live sessions.
type Manager struct {
	sessions *xsync.MapOf[string, *Session]
	runner   Runner
	config   ManagerConfig
	logger   *slog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewManager(runner Runner, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = PolicyReplace
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Manager{
		sessions: xsync.NewMapOf[string, *Session](),
		runner:   runner,
		config:   cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Create opens a session. An empty policy selects the configured default.
func (m *Manager) Create(policy Policy) (*Session, error) {
	if policy == "" {
		policy = m.config.DefaultPolicy
	}
	p, err := ParsePolicy(string(policy))
	if err != nil {
		return nil, apperror.ValidationFailed("policy", err.Error())
	}

	s := newSession(xid.New().String(), p, m.runner, m.logger)
	m.sessions.Store(s.ID(), s)

	m.logger.Debug("session created",
		slog.String("session", s.ID()),
		slog.String("policy", string(p)),
	)
	return s, nil
}

// Get returns a live session or apperror.ErrNotFound.
func (m *Manager) Get(id string) (*Session, error) {
	s, ok := m.sessions.Load(id)
	if !ok {
		return nil, apperror.NotFound("session", id)
	}
	return s, nil
}

// Close removes the session and cancels its runs.
func (m *Manager) Close(id string) error {
	s, ok := m.sessions.LoadAndDelete(id)
	if !ok {
		return apperror.NotFound("session", id)
	}
	s.Close()
	return nil
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	return m.sessions.Size()
}

// Start launches the idle janitor. It is a no-op when IdleTTL is zero.
func (m *Manager) Start() {
	if m.config.IdleTTL <= 0 {
		return
	}
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.janitor()
	})
}

// Stop ends the janitor and closes every session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()

		m.sessions.Range(func(id string, s *Session) bool {
			m.sessions.Delete(id)
			s.Close()
			return true
		})
	})
}

func (m *Manager) janitor() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			if n := m.sweep(now); n > 0 {
				m.logger.Info("expired idle sessions", slog.Int("count", n))
			}
		}
	}
}

// sweep closes sessions idle since before now-IdleTTL. A session with a run
// in flight is never idle.
func (m *Manager) sweep(now time.Time) int {
	cutoff := now.Add(-m.config.IdleTTL)
	expired := 0
	m.sessions.Range(func(id string, s *Session) bool {
		if s.Running() || s.LastUsed().After(cutoff) {
			return true
		}
		if _, ok := m.sessions.LoadAndDelete(id); ok {
			s.Close()
			expired++
		}
		return true
	})
	return expired
}
