package orchestrator

import "sync"

// HandleCache remembers container handles created by this process. It is an
// optimization for the shutdown coordinator only and may be reset at any time.
// A nil *HandleCache ignores every call.
type HandleCache struct {
	mu      sync.Mutex
	handles map[string]struct{}
}

func NewHandleCache() *HandleCache {
	return &HandleCache{handles: map[string]struct{}{}}
}

func (c *HandleCache) Track(handle string) {
	if c == nil || handle == "" {
		return
	}
	c.mu.Lock()
	c.handles[handle] = struct{}{}
	c.mu.Unlock()
}

func (c *HandleCache) Forget(handle string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.handles, handle)
	c.mu.Unlock()
}

func (c *HandleCache) Snapshot() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handles))
	for h := range c.handles {
		out = append(out, h)
	}
	return out
}

func (c *HandleCache) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.handles = map[string]struct{}{}
	c.mu.Unlock()
}
