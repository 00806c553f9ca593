package transport

import "sync"

// Registry fans hardware-disconnect events out to interested transports.
// Subscriptions are keyed by device identity, so a dispatch only ever
// reaches subscribers of that exact device; every other transport sees
// nothing. Each transport holds its own Subscription and releases it
// exactly once at close, so nothing leaks across many short-lived
// transports.
type Registry struct {
	mu   sync.Mutex
	subs map[DeviceKey]map[*Subscription]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[DeviceKey]map[*Subscription]struct{})}
}

// Subscribe registers fn to run when the device identified by key
// disconnects. The returned subscription must be cancelled when the
// interest ends.
func (r *Registry) Subscribe(key DeviceKey, fn func()) *Subscription {
	s := &Subscription{reg: r, key: key, fn: fn}
	r.mu.Lock()
	set := r.subs[key]
	if set == nil {
		set = make(map[*Subscription]struct{})
		r.subs[key] = set
	}
	set[s] = struct{}{}
	r.mu.Unlock()
	return s
}

// Dispatch runs the callbacks subscribed to key. Callbacks run outside
// the registry lock, so they may cancel their own subscription.
func (r *Registry) Dispatch(key DeviceKey) {
	r.mu.Lock()
	set := r.subs[key]
	fns := make([]func(), 0, len(set))
	for s := range set {
		fns = append(fns, s.fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// size reports the number of live subscriptions, for tests.
func (r *Registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.subs {
		n += len(set)
	}
	return n
}

// Subscription is one transport's registration for disconnect events of
// one device.
type Subscription struct {
	reg  *Registry
	key  DeviceKey
	fn   func()
	once sync.Once
}

// Cancel removes the subscription. Only the first call has effect.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.reg.mu.Lock()
		defer s.reg.mu.Unlock()
		set := s.reg.subs[s.key]
		delete(set, s)
		if len(set) == 0 {
			delete(s.reg.subs, s.key)
		}
	})
}
