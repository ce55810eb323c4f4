// Package ledger is the append-only, hash-chained proof store. Every record
// links to its predecessor by hash, so any edit to history is detectable by
// re-walking the chain.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/basislabs/basis-gateway/internal/core"
)

// GenesisHash anchors the chain: the first record's previous_hash.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonicalJSON renders a map compactly with lexicographically sorted keys.
// encoding/json sorts map keys and emits no insignificant whitespace, so the
// only normalization left to us is datetime formatting (RFC-3339 UTC).
func canonicalJSON(fields map[string]interface{}) []byte {
	data, err := json.Marshal(fields)
	if err != nil {
		// Only reachable with non-serializable values, which the callers
		// below never produce.
		panic(err)
	}
	return data
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// hashableFields returns every record field except hash and signature, in
// the canonical-JSON shape used for hashing.
func hashableFields(r *core.ProofRecord) map[string]interface{} {
	return map[string]interface{}{
		"proof_id":      r.ProofID,
		"position":      r.Position,
		"plan_id":       r.PlanID,
		"intent_id":     r.IntentID,
		"verdict_id":    r.VerdictID,
		"entity_id":     r.EntityID,
		"action_type":   r.ActionType,
		"decision":      r.Decision,
		"inputs_hash":   r.InputsHash,
		"outputs_hash":  r.OutputsHash,
		"previous_hash": r.PreviousHash,
		"timestamp":     canonicalTime(r.Timestamp),
	}
}

// RecordHash computes the canonical hash of a record's fields.
func RecordHash(r *core.ProofRecord) string {
	return sha256Hex(canonicalJSON(hashableFields(r)))
}

// InputsHash covers what was evaluated: the plan and the policy set.
func InputsHash(planID string, policyIDs []string) string {
	ids := append([]string(nil), policyIDs...)
	return sha256Hex(canonicalJSON(map[string]interface{}{
		"plan_id":  planID,
		"policies": ids,
	}))
}

// OutputsHash covers what was decided.
func OutputsHash(v *core.Verdict) string {
	return sha256Hex(canonicalJSON(map[string]interface{}{
		"allowed":          v.Allowed,
		"violations_count": len(v.Violations),
		"trust_impact":     v.TrustImpact,
	}))
}

// Ledger holds the chain. A single writer lock serializes appends; readers
// work against a snapshot reference.
type Ledger struct {
	mu       sync.RWMutex
	records  []*core.ProofRecord
	byID     map[string]int
	lastHash string

	logger *log.Logger
	now    func() time.Time
}

// NewLedger starts an empty chain.
func NewLedger() *Ledger {
	return &Ledger{
		byID:     make(map[string]int),
		lastHash: GenesisHash,
		logger:   log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Append chains a verdict onto the ledger and returns the new record.
func (l *Ledger) Append(v *core.Verdict, intentID, actionType string, policyIDs []string) *core.ProofRecord {
	if actionType == "" {
		actionType = "enforce"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r := &core.ProofRecord{
		ProofID:      core.NewProofID(),
		Position:     len(l.records),
		PlanID:       v.PlanID,
		IntentID:     intentID,
		VerdictID:    v.VerdictID,
		EntityID:     v.EntityID,
		ActionType:   actionType,
		Decision:     v.Action.PastTense(),
		InputsHash:   InputsHash(v.PlanID, policyIDs),
		OutputsHash:  OutputsHash(v),
		PreviousHash: l.lastHash,
		Timestamp:    l.now().UTC(),
	}
	r.Hash = RecordHash(r)

	l.records = append(l.records, r)
	l.byID[r.ProofID] = r.Position
	l.lastHash = r.Hash

	l.logger.Printf("appended proof=%s position=%d decision=%s entity=%s",
		r.ProofID, r.Position, r.Decision, r.EntityID)
	return r
}

// Get fetches a record by proof id.
func (l *Ledger) Get(proofID string) (*core.ProofRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byID[proofID]
	if !ok {
		return nil, false
	}
	return l.records[idx], true
}

// Len returns the chain length.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// LastHash returns the hash of the newest record, or the genesis hash.
func (l *Ledger) LastHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHash
}

// Verify checks a single record: its stored hash against a recomputation of
// its fields, and its previous_hash against the predecessor.
func (l *Ledger) Verify(proofID string) (*core.ProofVerification, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.byID[proofID]
	if !ok {
		return nil, false
	}
	r := l.records[idx]

	result := &core.ProofVerification{
		ProofID:    r.ProofID,
		Valid:      true,
		ChainValid: true,
		Issues:     []string{},
		VerifiedAt: l.now().UTC(),
	}

	if RecordHash(r) != r.Hash {
		result.Valid = false
		result.Issues = append(result.Issues, "Record hash does not match its contents")
	}

	if idx == 0 {
		if r.PreviousHash != GenesisHash {
			result.ChainValid = false
			result.Issues = append(result.Issues, "Chain linkage broken: genesis record has non-zero previous_hash")
		}
	} else if r.PreviousHash != RecordHash(l.records[idx-1]) {
		// Recompute the predecessor's hash so tampering with it breaks
		// this record's linkage too, not just the predecessor's own check.
		result.ChainValid = false
		result.Issues = append(result.Issues, "Chain linkage broken: previous_hash does not match predecessor")
	}

	return result, true
}

// VerifyChain checks the whole ledger.
func (l *Ledger) VerifyChain() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainValidLocked()
}

func (l *Ledger) chainValidLocked() bool {
	prev := GenesisHash
	for _, r := range l.records {
		if r.PreviousHash != prev || RecordHash(r) != r.Hash {
			return false
		}
		prev = r.Hash
	}
	return true
}

// Query filters records in chain order with offset/limit pagination.
// A Limit of zero means no limit.
func (l *Ledger) Query(q core.ProofQuery) []*core.ProofRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*core.ProofRecord
	skipped := 0
	for _, r := range l.records {
		if !matches(r, q) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

func matches(r *core.ProofRecord, q core.ProofQuery) bool {
	if q.EntityID != "" && r.EntityID != q.EntityID {
		return false
	}
	if q.IntentID != "" && r.IntentID != q.IntentID {
		return false
	}
	if q.VerdictID != "" && r.VerdictID != q.VerdictID {
		return false
	}
	if q.Decision != "" && !strings.EqualFold(r.Decision, q.Decision) {
		return false
	}
	if q.From != nil && r.Timestamp.Before(*q.From) {
		return false
	}
	if q.To != nil && r.Timestamp.After(*q.To) {
		return false
	}
	return true
}

// Stats summarizes the ledger.
func (l *Ledger) Stats() core.ProofStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := core.ProofStats{
		TotalRecords: len(l.records),
		ByDecision:   make(map[string]int),
		LastHash:     l.lastHash,
		ChainValid:   l.chainValidLocked(),
	}
	for _, r := range l.records {
		stats.ByDecision[r.Decision]++
	}
	if len(l.records) > 0 {
		first := l.records[0].Timestamp
		last := l.records[len(l.records)-1].Timestamp
		stats.FirstRecord = &first
		stats.LastRecord = &last
	}
	return stats
}
