package session

import "sync"

// TransportCloser is the minimal handle the store needs in order to
// forcibly terminate a live connection when its sessions are revoked.
type TransportCloser interface {
	Close(reason string) error
}

// TransportRegistry indexes live transport handles by user so that
// session invalidation can fan out to every open connection.
type TransportRegistry struct {
	mu         sync.RWMutex
	transports map[string]map[string]TransportCloser // userID -> transportID -> handle
}

// NewTransportRegistry creates an empty registry.
func NewTransportRegistry() *TransportRegistry {
	return &TransportRegistry{
		transports: make(map[string]map[string]TransportCloser),
	}
}

// Register adds a transport under the user.
func (r *TransportRegistry) Register(userID, transportID string, t TransportCloser) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.transports[userID]
	if !ok {
		set = make(map[string]TransportCloser)
		r.transports[userID] = set
	}
	set[transportID] = t
}

// Unregister removes a transport, pruning the user entry when it was
// the last one.
func (r *TransportRegistry) Unregister(userID, transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.transports[userID]
	if !ok {
		return
	}
	delete(set, transportID)
	if len(set) == 0 {
		delete(r.transports, userID)
	}
}

// CloseAll closes every transport of the user and returns how many were
// closed. Handles are snapshotted under the lock and closed outside it,
// since Close implementations may call back into the registry.
func (r *TransportRegistry) CloseAll(userID, reason string) int {
	r.mu.Lock()
	set, ok := r.transports[userID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	handles := make([]TransportCloser, 0, len(set))
	for _, t := range set {
		handles = append(handles, t)
	}
	delete(r.transports, userID)
	r.mu.Unlock()

	for _, t := range handles {
		_ = t.Close(reason)
	}
	return len(handles)
}

// Count reports the number of users with at least one live transport.
func (r *TransportRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.transports)
}
