package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Entry is one immutable audit record. Arguments are stored as a digest, not
// verbatim, so secrets passed to tools never land in the log.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Tool       string    `json:"tool"`
	ArgsDigest string    `json:"args_digest"`
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id"`
	Verdict    Verdict   `json:"verdict"`
	Policy     string    `json:"policy"`
	Reason     string    `json:"reason,omitempty"`
}

// AuditLog is an append-only in-memory record of policy evaluations. A
// maximum size of 0 means unbounded; otherwise the oldest entries are
// discarded once the cap is reached.
type AuditLog struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

// NewAuditLog creates a log capped at max entries (0 = unbounded).
func NewAuditLog(max int) *AuditLog {
	return &AuditLog{max: max}
}

func (l *AuditLog) append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if l.max > 0 && len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// Entries returns a defensive copy of the log.
func (l *AuditLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of recorded entries.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// digest produces a stable SHA-256 hex digest of the argument map. Keys are
// sorted so identical arguments always hash identically.
func digest(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		b, _ := json.Marshal(args[k])
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}
