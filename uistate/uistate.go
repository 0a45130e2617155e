// Package uistate implements the UI State Store: a reducer-based state
// container mirroring a conversation's server-side state into the shape a
// browser client renders from. Nothing in the example corpus or the wider
// Go ecosystem implements this pattern on the server side — Redux-shaped
// stores are a frontend idiom — so this package is written from scratch,
// following the constructor-option and interface-first conventions the rest
// of this module uses rather than adapting any one teacher file.
package uistate

import (
	"reflect"
	"sync"
	"time"
)

// Action is a tagged union of everything that can mutate the store, shaped
// like the teacher's other tagged-union types (ChatMessage's
// role-discriminated fields, ResponseUpdate's Kind-discriminated fields).
type Action struct {
	Type string
	// Payload carries the action's data; reducers type-assert it based on
	// Type. Concrete payload types live alongside the slice they target.
	Payload any
}

// Reducer computes the next slice value from the current value and an
// action. An action a reducer doesn't recognize passes the state through
// unchanged — reducers never need an exhaustive type switch.
type Reducer func(state any, action Action) any

// Selector derives a read value from the store. Selectors are memoized by
// the Store: a Selector is only re-invoked when the slice(s) it reads have
// changed by reference since its last invocation.
type Selector func(get func(slice string) any) any

// Effect runs after an action has been dispatched and every reducer has
// run. Effects perform side effects (e.g. opening a reconnect) and may
// themselves dispatch further actions through the store passed to them.
type Effect func(store *Store, action Action)

// Store holds every slice's current value, a registry of reducers per
// slice, and the effects subscribed to dispatched actions.
type Store struct {
	mu       sync.RWMutex
	slices   map[string]any
	reducers map[string][]Reducer
	effects  []Effect

	selMu     sync.Mutex
	selCache  map[string]selectorCache
	render    *RenderCoordinator
}

type selectorCache struct {
	deps   []any // slice values (by reference) the selector last saw
	result any
}

// New creates an empty store. Register slices with RegisterSlice before
// dispatching any action that targets them.
func New() *Store {
	return &Store{
		slices:   make(map[string]any),
		reducers: make(map[string][]Reducer),
		selCache: make(map[string]selectorCache),
	}
}

// RegisterSlice sets a slice's initial value and attaches one or more
// reducers. Multiple reducers may be registered for the same slice — they
// run in registration order, each seeing the previous reducer's output.
func (s *Store) RegisterSlice(name string, initial any, reducers ...Reducer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slices[name] = initial
	s.reducers[name] = append(s.reducers[name], reducers...)
}

// Subscribe registers an effect to run after every dispatch.
func (s *Store) Subscribe(e Effect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effects = append(s.effects, e)
}

// Get returns a slice's current value.
func (s *Store) Get(name string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slices[name]
}

// Dispatch runs action through every registered reducer (across every
// slice), then runs every subscribed effect. Reducers for slices the action
// doesn't target simply return their input unchanged.
func (s *Store) Dispatch(action Action) {
	s.mu.Lock()
	for name, rs := range s.reducers {
		state := s.slices[name]
		for _, r := range rs {
			state = r(state, action)
		}
		s.slices[name] = state
	}
	effects := append([]Effect(nil), s.effects...)
	s.mu.Unlock()

	for _, e := range effects {
		e(s, action)
	}
}

// Select runs sel, caching its result keyed by name. If every slice value
// sel read on the previous call is reference-identical this call, the
// cached result is returned without re-invoking sel.
func (s *Store) Select(name string, deps []string, sel Selector) any {
	s.selMu.Lock()
	defer s.selMu.Unlock()

	current := make([]any, len(deps))
	for i, d := range deps {
		current[i] = s.Get(d)
	}

	if cached, ok := s.selCache[name]; ok && sameRefs(cached.deps, current) {
		return cached.result
	}

	result := sel(s.Get)
	s.selCache[name] = selectorCache{deps: current, result: result}
	return result
}

func sameRefs(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		va, vb := reflect.ValueOf(a[i]), reflect.ValueOf(b[i])
		if va.Kind() != reflect.Struct || !vb.IsValid() || va.Type() != vb.Type() {
			if !va.Comparable() || a[i] != b[i] {
				return false
			}
			continue
		}
		for f := 0; f < va.NumField(); f++ { // map fields compare by address
			fa, fb := va.Field(f), vb.Field(f)
			if fa.Kind() == reflect.Map && fa.Pointer() != fb.Pointer() ||
				fa.Kind() != reflect.Map && (!fa.Comparable() || !fa.Equal(fb)) {
				return false
			}
		}
	}
	return true
}

// RenderCoordinator batches high-frequency slice updates (streaming text
// deltas) into a single render signal at most once per sampleWindow,
// trading latency for render-thrash avoidance during a burst.
type RenderCoordinator struct {
	sampleWindow time.Duration
	trigger      chan struct{}
	out          chan struct{}

	mu      sync.Mutex
	pending bool
}

// DefaultSampleWindow is the 50ms sample-and-hold window used for streaming
// bursts.
const DefaultSampleWindow = 50 * time.Millisecond

// NewRenderCoordinator creates a coordinator and starts its batching
// goroutine. Call Stop to release it.
func NewRenderCoordinator(sampleWindow time.Duration) *RenderCoordinator {
	if sampleWindow <= 0 {
		sampleWindow = DefaultSampleWindow
	}
	rc := &RenderCoordinator{
		sampleWindow: sampleWindow,
		trigger:      make(chan struct{}, 1),
		out:          make(chan struct{}, 1),
	}
	go rc.run()
	return rc
}

// Notify marks a render as needed. Multiple Notify calls within one
// sampleWindow coalesce into a single Renders signal.
func (rc *RenderCoordinator) Notify() {
	rc.mu.Lock()
	already := rc.pending
	rc.pending = true
	rc.mu.Unlock()
	if !already {
		select {
		case rc.trigger <- struct{}{}:
		default:
		}
	}
}

// Renders emits a value once per coalesced batch of Notify calls.
func (rc *RenderCoordinator) Renders() <-chan struct{} {
	return rc.out
}

func (rc *RenderCoordinator) run() {
	for range rc.trigger {
		time.Sleep(rc.sampleWindow)
		rc.mu.Lock()
		rc.pending = false
		rc.mu.Unlock()
		select {
		case rc.out <- struct{}{}:
		default:
		}
	}
}

// Stop releases the coordinator's goroutine.
func (rc *RenderCoordinator) Stop() {
	close(rc.trigger)
}
