package attachment

import "sync"

// SyncEngine serializes Attach and Detach on a shared Engine.
// A pair's set is mutated by Attach and read by Detach, so interleaving the
// two without a lock races.
type SyncEngine struct {
	mu     sync.Mutex
	engine *Engine
}

// NewSync wraps engine with a single mutex
func NewSync(engine *Engine) *SyncEngine {
	return &SyncEngine{engine: engine}
}

// Attach is Engine.Attach under the lock
func (s *SyncEngine) Attach(resourceID, attachedResourceID string, timestampMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.Attach(resourceID, attachedResourceID, timestampMs)
}

// Detach is Engine.Detach under the lock
func (s *SyncEngine) Detach(resourceID, attachedResourceID string, timestampMs int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Detach(resourceID, attachedResourceID, timestampMs)
}

// Match is Engine.Match under the lock
func (s *SyncEngine) Match(resourceID, attachedResourceID string, timestampMs int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Match(resourceID, attachedResourceID, timestampMs)
}

// Window returns the report window
func (s *SyncEngine) Window() Window {
	return s.engine.window
}

// Pending returns the number of attaches currently held
func (s *SyncEngine) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Pending()
}

// Keys returns the number of resource pairs seen by Attach
func (s *SyncEngine) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Keys()
}
