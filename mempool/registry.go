package mempool

import (
	"sync"

	"github.com/dolthub/swiss"
)

// poolMark is the identity mark every live pool carries. It is cleared on Destroy so that
// stale references to the pool are caught.
const poolMark = "mempool"

// The registry maps the owner id written into entry headers back to the pool that owns the
// entry. Freeing only needs the entry, so this is how an entry finds its pool.
var registry = struct {
	mutex  sync.RWMutex
	pools  *swiss.Map[uint32, *FixedPool]
	nextID uint32
}{
	pools: swiss.NewMap[uint32, *FixedPool](64),
}

func registerPool(pool *FixedPool) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	// 0 is never issued: a zeroed header must not resolve to a pool
	registry.nextID++
	for registry.nextID == 0 || registry.pools.Has(registry.nextID) {
		registry.nextID++
	}

	pool.id = registry.nextID
	registry.pools.Put(pool.id, pool)
}

func unregisterPool(id uint32) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	registry.pools.Delete(id)
}

func lookupPool(id uint32) *FixedPool {
	if id == 0 {
		return nil
	}

	registry.mutex.RLock()
	defer registry.mutex.RUnlock()

	pool, ok := registry.pools.Get(id)
	if !ok {
		return nil
	}
	return pool
}

// livePoolCount is the number of pools that have been created and not yet destroyed
func livePoolCount() int {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()

	return registry.pools.Count()
}
