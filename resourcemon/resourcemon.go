// Package resourcemon implements the Resource Subscription Monitor: a
// ticker-driven background loop that polls every subscribed MCP resource for
// a state transition and notifies the owning session exactly once when one
// happens.
package resourcemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ErrGone is returned by Checker.CheckResource when the underlying resource
// has disappeared entirely (as opposed to merely not yet being terminal).
// The monitor responds by emitting both a resources/updated and a
// resources/list_changed notification, per the spec's "gone" case.
var ErrGone = errors.New("resourcemon: resource no longer exists")

// DefaultPollInterval matches the spec's default poll cadence.
const DefaultPollInterval = 5 * time.Second

// ResourceState is the last observed state of a subscribed resource.
type ResourceState string

const (
	StatePending ResourceState = "pending"
	StateReady   ResourceState = "ready"
	StateFailed  ResourceState = "failed"
	StateGone    ResourceState = "gone"
)

// IsTerminal reports whether a transition into this state should be the
// resource's final notification.
func (s ResourceState) IsTerminal() bool {
	return s == StateReady || s == StateFailed || s == StateGone
}

// Checker fetches the current state of one concrete resource URI. The MCP
// Client Manager's resources/read is the production implementation.
type Checker interface {
	CheckResource(ctx context.Context, serverName, uri string) (ResourceState, error)
}

// Notifier is told when a tracked resource transitions to a terminal state.
type Notifier interface {
	NotifyResourceReady(sessionID, uri string, state ResourceState)
}

// ListChangeNotifier is an optional extension a Notifier may also implement
// to receive "resources/list_changed" notifications, emitted alongside the
// "resources/updated" one when a tracked resource turns out to be gone.
type ListChangeNotifier interface {
	NotifyResourceListChanged(sessionID string)
}

type trackedResource struct {
	sessionID  string
	serverName string
	uri        string
	lastState  ResourceState
}

type key struct {
	sessionID string
	uri       string
}

// Monitor polls every tracked (sessionID, uri) pair on a fixed interval and
// removes it from tracking the moment it notifies a terminal transition —
// each resource is notified exactly once.
type Monitor struct {
	checker  Checker
	notifier Notifier
	interval time.Duration
	schedule cron.Schedule
	logger   *slog.Logger

	mu        sync.Mutex
	resources map[key]*trackedResource
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithPollInterval(d time.Duration) Option { return func(m *Monitor) { m.interval = d } }
func WithLogger(l *slog.Logger) Option         { return func(m *Monitor) { m.logger = l } }

// WithPollSchedule replaces the fixed poll interval with a cron expression
// (6 fields, seconds first — e.g. "*/30 * * * * *" for every 30s). The
// expression is validated immediately; a malformed one is returned as an
// error rather than surfacing later as a silently-never-firing Monitor.
func WithPollSchedule(expr string) (Option, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("resourcemon: invalid poll schedule %q: %w", expr, err)
	}
	return func(m *Monitor) { m.schedule = sched }, nil
}

// New creates a Monitor. checker and notifier must be non-nil.
func New(checker Checker, notifier Notifier, opts ...Option) *Monitor {
	m := &Monitor{
		checker:   checker,
		notifier:  notifier,
		interval:  DefaultPollInterval,
		resources: make(map[key]*trackedResource),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Track begins polling uri on behalf of sessionID. Only concrete URIs are
// tracked — a templated URI is expanded by the caller into one Track call
// per concrete resource it fans out to; the Monitor itself never expands
// templates.
func (m *Monitor) Track(sessionID, serverName, uri string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{sessionID, uri}
	if _, exists := m.resources[k]; exists {
		return
	}
	m.resources[k] = &trackedResource{sessionID: sessionID, serverName: serverName, uri: uri, lastState: StatePending}
}

// Untrack stops polling uri for sessionID without notifying.
func (m *Monitor) Untrack(sessionID, uri string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, key{sessionID, uri})
}

// Run polls every tracked resource until ctx is cancelled. When configured
// with WithPollSchedule, polls fire at the cron expression's cadence;
// otherwise it falls back to a fixed-interval ticker.
func (m *Monitor) Run(ctx context.Context) {
	if m.schedule != nil {
		m.runScheduled(ctx)
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Monitor) runScheduled(ctx context.Context) {
	for {
		next := m.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*trackedResource, 0, len(m.resources))
	for _, r := range m.resources {
		snapshot = append(snapshot, r)
	}
	m.mu.Unlock()

	for _, r := range snapshot {
		state, err := m.checker.CheckResource(ctx, r.serverName, r.uri)
		if err != nil {
			if errors.Is(err, ErrGone) {
				m.mu.Lock()
				delete(m.resources, key{r.sessionID, r.uri})
				m.mu.Unlock()
				m.notifier.NotifyResourceReady(r.sessionID, r.uri, StateGone)
				if lc, ok := m.notifier.(ListChangeNotifier); ok {
					lc.NotifyResourceListChanged(r.sessionID)
				}
				continue
			}
			m.logger.Warn("resourcemon: check failed", "uri", r.uri, "error", err)
			continue
		}
		if state == r.lastState {
			continue
		}
		r.lastState = state
		if state.IsTerminal() {
			m.mu.Lock()
			delete(m.resources, key{r.sessionID, r.uri})
			m.mu.Unlock()
			m.notifier.NotifyResourceReady(r.sessionID, r.uri, state)
		}
	}
}
