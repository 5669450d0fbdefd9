package scheduler

import (
	"hash/fnv"
	"sync"

	"deferq/internal/task"
)

const lockStripes = 64

// stripedLocks serializes transitions per task without a map entry per task.
// Two tasks may share a stripe; that only costs some concurrency.
type stripedLocks struct {
	mu [lockStripes]sync.Mutex
}

func (l *stripedLocks) of(id task.ID) *sync.Mutex {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return &l.mu[h.Sum64()%lockStripes]
}
