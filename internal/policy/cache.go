package policy

import (
	"container/list"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/basislabs/basis-gateway/internal/core"
)

// Backend is a byte-level store for cached verdicts. The memory backend is
// the default; a Redis backend is available for multi-instance deployments.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte)
	Len() int
}

// cachedVerdict is the stored shape: the verdict minus the fields that are
// not reproducible across evaluations.
type cachedVerdict struct {
	PlanID               string           `json:"plan_id"`
	EntityID             string           `json:"entity_id"`
	Action               core.Action      `json:"action"`
	Allowed              bool             `json:"allowed"`
	Violations           []core.Violation `json:"violations"`
	PoliciesEvaluated    int              `json:"policies_evaluated"`
	ConstraintsEvaluated int              `json:"constraints_evaluated"`
	TrustImpact          int              `json:"trust_impact"`
	RequiresApproval     bool             `json:"requires_approval"`
	ApprovalTimeout      string           `json:"approval_timeout,omitempty"`
	RigorMode            core.RigorMode   `json:"rigor_mode"`
}

// VerdictCache memoizes evaluation results. Advisory: a disabled or cold
// cache only costs a re-evaluation.
type VerdictCache struct {
	backend Backend

	mu     sync.Mutex
	hits   int64
	misses int64
	now    func() time.Time
}

// NewVerdictCache wraps a backend.
func NewVerdictCache(backend Backend) *VerdictCache {
	return &VerdictCache{backend: backend, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (c *VerdictCache) SetClock(now func() time.Time) { c.now = now }

// Key builds the lookup key from the plan id, the sorted policy-id list,
// the caller's trust level and the rigor mode.
func Key(planID string, policyIDs []string, trustLevel int, mode core.RigorMode) string {
	var b strings.Builder
	b.WriteString(planID)
	b.WriteByte('|')
	for i, id := range policyIDs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(id)
	}
	b.WriteByte('|')
	b.WriteString(trustLevelLabel(trustLevel))
	b.WriteByte('|')
	b.WriteString(string(mode))
	return b.String()
}

func trustLevelLabel(level int) string {
	digits := "0123456789"
	if level >= 0 && level < len(digits) {
		return digits[level : level+1]
	}
	return "?"
}

// Get returns a verdict reconstructed from the cache, or nil on miss.
// Reconstructed verdicts carry a fresh verdict id, cache_hit=true and the
// current decision time.
func (c *VerdictCache) Get(ctx context.Context, key string) *core.Verdict {
	data, ok := c.backend.Get(ctx, key)
	if !ok {
		c.count(&c.misses)
		return nil
	}
	var stored cachedVerdict
	if err := json.Unmarshal(data, &stored); err != nil {
		c.count(&c.misses)
		return nil
	}
	c.count(&c.hits)
	return &core.Verdict{
		VerdictID:            core.NewVerdictID(),
		PlanID:               stored.PlanID,
		EntityID:             stored.EntityID,
		Action:               stored.Action,
		Allowed:              stored.Allowed,
		Violations:           stored.Violations,
		PoliciesEvaluated:    stored.PoliciesEvaluated,
		ConstraintsEvaluated: stored.ConstraintsEvaluated,
		TrustImpact:          stored.TrustImpact,
		RequiresApproval:     stored.RequiresApproval,
		ApprovalTimeout:      stored.ApprovalTimeout,
		RigorMode:            stored.RigorMode,
		CacheHit:             true,
		DecidedAt:            c.now(),
	}
}

// Put stores a verdict under the key.
func (c *VerdictCache) Put(ctx context.Context, key string, v *core.Verdict) {
	data, err := json.Marshal(cachedVerdict{
		PlanID:               v.PlanID,
		EntityID:             v.EntityID,
		Action:               v.Action,
		Allowed:              v.Allowed,
		Violations:           v.Violations,
		PoliciesEvaluated:    v.PoliciesEvaluated,
		ConstraintsEvaluated: v.ConstraintsEvaluated,
		TrustImpact:          v.TrustImpact,
		RequiresApproval:     v.RequiresApproval,
		ApprovalTimeout:      v.ApprovalTimeout,
		RigorMode:            v.RigorMode,
	})
	if err != nil {
		return
	}
	c.backend.Set(ctx, key, data)
}

func (c *VerdictCache) count(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// CacheStats is the admin view of cache behavior.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Stats returns hit/miss counters and the current entry count.
func (c *VerdictCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: c.backend.Len(), Hits: c.hits, Misses: c.misses}
}

// ===========================================================================
// In-memory backend: bounded map with LRU eviction and a coarse TTL.
// ===========================================================================

type memoryEntry struct {
	key       string
	val       []byte
	expiresAt time.Time
}

// MemoryBackend is the default single-process backend.
type MemoryBackend struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	now     func() time.Time
}

// NewMemoryBackend creates a bounded LRU store. maxSize <= 0 defaults to
// 1024 entries; ttl <= 0 defaults to 5 minutes.
func NewMemoryBackend(maxSize int, ttl time.Duration) *MemoryBackend {
	if maxSize <= 0 {
		maxSize = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryBackend{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *MemoryBackend) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*memoryEntry)
	if m.now().After(entry.expiresAt) {
		m.order.Remove(el)
		delete(m.items, key)
		return nil, false
	}
	m.order.MoveToFront(el)
	return entry.val, true
}

func (m *MemoryBackend) Set(_ context.Context, key string, val []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.val = val
		entry.expiresAt = m.now().Add(m.ttl)
		m.order.MoveToFront(el)
		return
	}
	el := m.order.PushFront(&memoryEntry{key: key, val: val, expiresAt: m.now().Add(m.ttl)})
	m.items[key] = el
	for len(m.items) > m.maxSize {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.items, oldest.Value.(*memoryEntry).key)
	}
}

func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
