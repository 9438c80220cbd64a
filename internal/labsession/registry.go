package labsession

import "sync"

// Registry grants exclusive device leases to sessions. A device serves
// one session at a time; a second claim fails fast instead of queueing.
type Registry struct {
	mu   sync.Mutex
	held map[string]string // deviceID -> sessionID
}

// NewRegistry creates an empty lease registry
func NewRegistry() *Registry {
	return &Registry{held: make(map[string]string)}
}

// Acquire leases the device for the session. Returns ErrDeviceHeld if
// another session holds it.
func (r *Registry) Acquire(deviceID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.held[deviceID]; ok && holder != sessionID {
		return ErrDeviceHeld
	}
	r.held[deviceID] = sessionID
	return nil
}

// Release returns the lease. A release by a session that does not hold
// the device is a no-op, so the closing sequence can run more than once.
func (r *Registry) Release(deviceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.held[deviceID] == sessionID {
		delete(r.held, deviceID)
	}
}

// Holder returns the session holding the device, if any
func (r *Registry) Holder(deviceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	holder, ok := r.held[deviceID]
	return holder, ok
}
