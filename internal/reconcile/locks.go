package reconcile

import (
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/mostpan/tbgdb/internal/forum"
)

const lockShards = 128

// keyedLock serializes work per entity identifier using a fixed shard table.
// Distinct identifiers may share a shard; that only costs spurious waiting,
// never correctness.
type keyedLock struct {
	shards [lockShards]sync.Mutex
}

func (k *keyedLock) lock(kind forum.Kind, id int64) (unlock func()) {
	h := fnv.New32a()
	h.Write([]byte(string(kind)))
	h.Write([]byte(strconv.FormatInt(id, 10)))
	mu := &k.shards[h.Sum32()%lockShards]
	mu.Lock()
	return mu.Unlock
}
