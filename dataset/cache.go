package dataset

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/c2h5oh/datasize"
)

// CachedSource keeps recently loaded subjects in memory, evicting the least
// recently used ones once the trial data exceeds the byte budget. A subject
// larger than the whole budget is returned but never cached.
type CachedSource struct {
	src Source

	mu       sync.Mutex
	sets     map[string]*list.Element
	lru      *list.List
	maxBytes datasize.ByteSize
	curBytes datasize.ByteSize

	hits   int64
	misses int64
}

type cacheEntry struct {
	subject string
	set     *Set
	size    datasize.ByteSize
}

func NewCachedSource(src Source, maxBytes datasize.ByteSize) *CachedSource {
	return &CachedSource{
		src:      src,
		sets:     make(map[string]*list.Element),
		lru:      list.New(),
		maxBytes: maxBytes,
	}
}

func (c *CachedSource) Subjects() []string { return c.src.Subjects() }

func (c *CachedSource) Load(ctx context.Context, subject string) (*Set, error) {
	c.mu.Lock()
	if elem, ok := c.sets[subject]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		s := elem.Value.(*cacheEntry).set
		c.mu.Unlock()
		return s, nil
	}
	c.misses++
	c.mu.Unlock()

	s, err := c.src.Load(ctx, subject)
	if err != nil {
		return nil, err
	}
	c.put(subject, s)
	return s, nil
}

func (c *CachedSource) put(subject string, s *Set) {
	size := setBytes(s)
	if size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// a concurrent Load may have stored it first
	if elem, ok := c.sets[subject]; ok {
		c.lru.MoveToFront(elem)
		return
	}
	c.sets[subject] = c.lru.PushFront(&cacheEntry{subject: subject, set: s, size: size})
	c.curBytes += size

	for c.curBytes > c.maxBytes && c.lru.Len() > 0 {
		c.remove(c.lru.Back())
	}
}

func (c *CachedSource) remove(elem *list.Element) {
	e := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.sets, e.subject)
	c.curBytes -= e.size
}

// Stats returns a snapshot of the cache counters
func (c *CachedSource) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Subjects: c.lru.Len(),
		Bytes:    c.curBytes,
		MaxBytes: c.maxBytes,
		Hits:     c.hits,
		Misses:   c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Subjects int
	Bytes    datasize.ByteSize
	MaxBytes datasize.ByteSize
	Hits     int64
	Misses   int64
	HitRate  float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("cache: %d subjects, %s/%s, hits: %d, misses: %d, hit rate: %.1f%%",
		cs.Subjects, cs.Bytes.HumanReadable(), cs.MaxBytes.HumanReadable(), cs.Hits, cs.Misses, cs.HitRate)
}

func setBytes(s *Set) datasize.ByteSize {
	return datasize.ByteSize(4*len(s.Data) + 8*len(s.Labels) + len(s.Events))
}
