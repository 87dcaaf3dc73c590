package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/core/port"
)

const defaultShardCount = 32

type windowEntry struct {
	count  int
	start  time.Time
	length time.Duration
}

type rateLimitShard struct {
	mu         sync.Mutex
	windows    map[string]*windowEntry
	blocks     map[string]time.Time
	windowKeys keyIndex
	blockKeys  keyIndex
}

// keyIndex mirrors a map's keys in a slice so a sweep can walk them a batch
// at a time. Removal swaps the last key into the hole.
type keyIndex struct {
	keys []string
	pos  map[string]int
}

func newKeyIndex() keyIndex {
	return keyIndex{pos: make(map[string]int)}
}

func (ix *keyIndex) add(key string) {
	if _, ok := ix.pos[key]; ok {
		return
	}
	ix.pos[key] = len(ix.keys)
	ix.keys = append(ix.keys, key)
}

func (ix *keyIndex) remove(key string) {
	i, ok := ix.pos[key]
	if !ok {
		return
	}
	last := len(ix.keys) - 1
	moved := ix.keys[last]
	ix.keys[i] = moved
	ix.pos[moved] = i
	ix.keys[last] = ""
	ix.keys = ix.keys[:last]
	delete(ix.pos, key)
}

// RateLimitStore keeps fixed-window counters and blocks in process memory.
// Keys are spread over independently locked shards.
type RateLimitStore struct {
	shards []*rateLimitShard
}

// NewRateLimitStore constructs an in-memory store with the given shard count.
func NewRateLimitStore(shardCount int) *RateLimitStore {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}

	shards := make([]*rateLimitShard, shardCount)
	for i := range shards {
		shards[i] = &rateLimitShard{
			windows:    make(map[string]*windowEntry),
			blocks:     make(map[string]time.Time),
			windowKeys: newKeyIndex(),
			blockKeys:  newKeyIndex(),
		}
	}
	return &RateLimitStore{shards: shards}
}

func (s *RateLimitStore) shard(key string) *rateLimitShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Increment counts one request for key, resetting an expired window first.
func (s *RateLimitStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (domain.WindowState, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.windows[key]
	if !ok || now.Sub(entry.start) > window {
		entry = &windowEntry{start: now, length: window}
		sh.windows[key] = entry
		sh.windowKeys.add(key)
	}
	entry.count++
	entry.length = window

	return domain.WindowState{Count: entry.count, WindowStart: entry.start}, nil
}

// BlockedUntil reports the block expiry for key when it is still in force.
func (s *RateLimitStore) BlockedUntil(_ context.Context, key string, now time.Time) (time.Time, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	until, ok := sh.blocks[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if !now.Before(until) {
		delete(sh.blocks, key)
		sh.blockKeys.remove(key)
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Block denies key until the given instant. Blocks already over at now are dropped.
func (s *RateLimitStore) Block(_ context.Context, key string, until, now time.Time) error {
	if !until.After(now) {
		return nil
	}

	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if current, ok := sh.blocks[key]; ok && current.After(until) {
		return nil
	}
	sh.blocks[key] = until
	sh.blockKeys.add(key)
	return nil
}

// Sweep removes windows idle for more than twice their length and expired
// blocks. Each shard is walked from the tail of its key index and the lock is
// released every batch keys, so no lock is held for more than batch entries.
func (s *RateLimitStore) Sweep(ctx context.Context, now time.Time, batch int) (int, error) {
	if batch <= 0 {
		batch = 1000
	}

	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		removed += sh.sweep(&sh.windowKeys, batch, func(key string) bool {
			entry := sh.windows[key]
			if now.Sub(entry.start) <= 2*entry.length {
				return false
			}
			delete(sh.windows, key)
			return true
		})
		removed += sh.sweep(&sh.blockKeys, batch, func(key string) bool {
			if now.Before(sh.blocks[key]) {
				return false
			}
			delete(sh.blocks, key)
			return true
		})
	}

	return removed, nil
}

// sweep visits ix from the last key down, batch keys per lock hold. drop is
// called with the lock held and reports whether it deleted the key. Keys
// swapped in by a removal come from the already visited tail or were added
// after the walk started, so every key present at the start is visited once.
func (sh *rateLimitShard) sweep(ix *keyIndex, batch int, drop func(key string) bool) int {
	removed := 0

	sh.mu.Lock()
	cursor := len(ix.keys) - 1
	sh.mu.Unlock()

	for cursor >= 0 {
		sh.mu.Lock()
		cursor = min(cursor, len(ix.keys)-1)
		for stop := cursor - batch; cursor > stop && cursor >= 0; cursor-- {
			key := ix.keys[cursor]
			if drop(key) {
				ix.remove(key)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	return removed
}

// Len returns the number of tracked windows and blocks.
func (s *RateLimitStore) Len() (windows, blocks int) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		windows += len(sh.windows)
		blocks += len(sh.blocks)
		sh.mu.Unlock()
	}
	return windows, blocks
}

var _ port.RateLimitStore = (*RateLimitStore)(nil)
