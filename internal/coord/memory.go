package coord

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCoordinator is an in-process Coordinator for unit tests. Lock expiry
// is simulated against an injectable clock, and the whole backend can be
// switched unreachable to exercise degraded mode.
type MemoryCoordinator struct {
	mu          sync.Mutex
	now         func() time.Time
	unavailable bool

	locks    map[string]memoryLock
	ready    readyHeap
	delayed  map[uuid.UUID]delayedEntry
	inflight map[uuid.UUID]bool
	seq      int64

	cancelled map[uuid.UUID]time.Time
	statuses  map[uuid.UUID]statusEntry
	counters  map[string]counterEntry
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

type delayedEntry struct {
	priority int
	readyAt  time.Time
}

type statusEntry struct {
	status    string
	expiresAt time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type readyItem struct {
	jobID    uuid.UUID
	priority int
	seq      int64
}

type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(readyItem)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewMemoryCoordinator creates an empty MemoryCoordinator using the wall clock.
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		now:       time.Now,
		locks:     map[string]memoryLock{},
		delayed:   map[uuid.UUID]delayedEntry{},
		inflight:  map[uuid.UUID]bool{},
		cancelled: map[uuid.UUID]time.Time{},
		statuses:  map[uuid.UUID]statusEntry{},
		counters:  map[string]counterEntry{},
	}
}

// SetClock replaces the clock, letting tests advance time past lock TTLs
// without sleeping.
func (c *MemoryCoordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetUnavailable simulates a backend outage: every call fails with
// ErrUnavailable while set.
func (c *MemoryCoordinator) SetUnavailable(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable = down
}

func (c *MemoryCoordinator) check() error {
	if c.unavailable {
		return ErrUnavailable
	}
	return nil
}

func (c *MemoryCoordinator) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.check()
}

// --- Locker ---

func (c *MemoryCoordinator) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return "", false, err
	}

	now := c.now()
	if lock, ok := c.locks[key]; ok && lock.expiresAt.After(now) {
		return "", false, nil
	}
	token := uuid.NewString()
	c.locks[key] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (c *MemoryCoordinator) Release(ctx context.Context, key, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	if lock, ok := c.locks[key]; ok && lock.token == token {
		delete(c.locks, key)
	}
	return nil
}

// --- Queue ---

func (c *MemoryCoordinator) Enqueue(ctx context.Context, jobID uuid.UUID, priority int, dedupe bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return false, err
	}

	if dedupe && c.inflight[jobID] {
		return false, nil
	}
	c.inflight[jobID] = true
	// Sorted-set semantics: re-adding a queued member replaces its entry
	// instead of duplicating it.
	for i, item := range c.ready {
		if item.jobID == jobID {
			heap.Remove(&c.ready, i)
			break
		}
	}
	c.seq++
	heap.Push(&c.ready, readyItem{jobID: jobID, priority: priority, seq: c.seq})
	return true, nil
}

func (c *MemoryCoordinator) EnqueueDelayed(ctx context.Context, jobID uuid.UUID, priority int, readyAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	c.inflight[jobID] = true
	c.delayed[jobID] = delayedEntry{priority: priority, readyAt: readyAt}
	return nil
}

func (c *MemoryCoordinator) Dequeue(ctx context.Context) (uuid.UUID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return uuid.Nil, false, err
	}
	if c.ready.Len() == 0 {
		return uuid.Nil, false, nil
	}
	item := heap.Pop(&c.ready).(readyItem)
	return item.jobID, true, nil
}

func (c *MemoryCoordinator) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return 0, err
	}

	promoted := 0
	for jobID, entry := range c.delayed {
		if entry.readyAt.After(now) {
			continue
		}
		delete(c.delayed, jobID)
		c.seq++
		heap.Push(&c.ready, readyItem{jobID: jobID, priority: entry.priority, seq: c.seq})
		promoted++
	}
	return promoted, nil
}

func (c *MemoryCoordinator) Remove(ctx context.Context, jobID uuid.UUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return false, err
	}

	removed := false
	for i, item := range c.ready {
		if item.jobID == jobID {
			heap.Remove(&c.ready, i)
			removed = true
			break
		}
	}
	if _, ok := c.delayed[jobID]; ok {
		delete(c.delayed, jobID)
		removed = true
	}
	delete(c.inflight, jobID)
	return removed, nil
}

func (c *MemoryCoordinator) Finish(ctx context.Context, jobID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	delete(c.inflight, jobID)
	return nil
}

func (c *MemoryCoordinator) Depth(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return 0, err
	}
	return int64(c.ready.Len()), nil
}

// --- Cancellation ---

func (c *MemoryCoordinator) MarkCancelled(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	c.cancelled[jobID] = c.now().Add(ttl)
	return nil
}

func (c *MemoryCoordinator) IsCancelled(ctx context.Context, jobID uuid.UUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return false, err
	}
	expiresAt, ok := c.cancelled[jobID]
	if !ok || !expiresAt.After(c.now()) {
		return false, nil
	}
	return true, nil
}

// --- Job status cache ---

func (c *MemoryCoordinator) SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	c.statuses[jobID] = statusEntry{status: status, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCoordinator) GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return "", false, err
	}
	entry, ok := c.statuses[jobID]
	if !ok || !entry.expiresAt.After(c.now()) {
		return "", false, nil
	}
	return entry.status, true, nil
}

// --- Rate limiting ---

func (c *MemoryCoordinator) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return 0, err
	}
	now := c.now()
	entry, ok := c.counters[key]
	if !ok || !entry.expiresAt.After(now) {
		entry = counterEntry{count: 0, expiresAt: now.Add(expiry)}
	}
	entry.count++
	entry.expiresAt = now.Add(expiry)
	c.counters[key] = entry
	return entry.count, nil
}
