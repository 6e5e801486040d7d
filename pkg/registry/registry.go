// Package registry caches bridge lookups in front of the store. The
// resolver consults it on every inbound request, so hits avoid a
// database round trip; any write that changes a bridge must invalidate.
package registry

import (
	"strconv"
	"sync"

	"github.com/bridgemux/bridgemux/pkg/logger"
	"github.com/bridgemux/bridgemux/pkg/store"
)

type cacheKey struct {
	kind string
	key  string
}

// BridgeRegistry is a read-through cache over the bridge table.
type BridgeRegistry struct {
	bridges *store.BridgeRepository
	logger  *logger.Logger

	mu    sync.RWMutex
	cache map[cacheKey]*store.Bridge
}

// New creates a bridge registry backed by the given repository.
func New(bridges *store.BridgeRepository, log *logger.Logger) *BridgeRegistry {
	return &BridgeRegistry{
		bridges: bridges,
		logger:  log.WithComponent("registry"),
		cache:   make(map[cacheKey]*store.Bridge),
	}
}

// GetByASToken returns the bridge presenting the given token.
func (r *BridgeRegistry) GetByASToken(token string) (*store.Bridge, error) {
	return r.lookup(cacheKey{"as_token", token}, func() (*store.Bridge, error) {
		return r.bridges.GetByASToken(token)
	})
}

// GetByOrchestratorID returns the bridge with the given short id.
func (r *BridgeRegistry) GetByOrchestratorID(id string) (*store.Bridge, error) {
	return r.lookup(cacheKey{"orchestrator_id", id}, func() (*store.Bridge, error) {
		return r.bridges.GetByOrchestratorID(id)
	})
}

// GetByID returns the bridge with the given primary key.
func (r *BridgeRegistry) GetByID(id uint) (*store.Bridge, error) {
	return r.lookup(cacheKey{"id", itoa(id)}, func() (*store.Bridge, error) {
		return r.bridges.GetByID(id)
	})
}

// GetByOwnerAndService returns the newest bridge for an owner and
// platform. Never cached: the newest row changes as bridges are
// provisioned.
func (r *BridgeRegistry) GetByOwnerAndService(owner, service string) (*store.Bridge, error) {
	return r.bridges.GetByOwnerAndService(owner, service)
}

// Invalidate drops all cached entries for a bridge. Must be called
// after any update or soft delete.
func (r *BridgeRegistry) Invalidate(b *store.Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, cacheKey{"as_token", b.ASToken})
	delete(r.cache, cacheKey{"orchestrator_id", b.OrchestratorID})
	delete(r.cache, cacheKey{"id", itoa(b.ID)})
}

// InvalidateAll drops the whole cache.
func (r *BridgeRegistry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[cacheKey]*store.Bridge)
}

func (r *BridgeRegistry) lookup(key cacheKey, load func() (*store.Bridge, error)) (*store.Bridge, error) {
	r.mu.RLock()
	if b, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return b, nil
	}
	r.mu.RUnlock()

	b, err := load()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = b
	r.mu.Unlock()
	return b, nil
}

func itoa(n uint) string {
	return strconv.FormatUint(uint64(n), 10)
}
