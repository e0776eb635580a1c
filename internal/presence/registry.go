// ABOUTME: Tracks which clients and nodes are currently connected.
// ABOUTME: Snapshot is always recomputed from the live record set.

package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/den-gateway/internal/protocol"
)

// Record describes one live connection, client or node alike.
type Record struct {
	ConnID       string        `json:"connId"`
	Role         protocol.Role `json:"role"`
	DisplayName  string        `json:"displayName,omitempty"`
	Capabilities []string      `json:"capabilities,omitempty"`
	Paired       bool          `json:"paired,omitempty"` // nodes only
	ConnectedAt  time.Time     `json:"connectedAt"`
	LastSeen     time.Time     `json:"lastSeen"`
}

// Snapshot is the aggregate view handed to clients at handshake and in
// presence events.
type Snapshot struct {
	Clients []Record `json:"clients"`
	Nodes   []Record `json:"nodes"`
}

// NodeCount returns the number of paired nodes in the snapshot.
func (s Snapshot) NodeCount() int {
	n := 0
	for _, rec := range s.Nodes {
		if rec.Paired {
			n++
		}
	}
	return n
}

// Registry is the authoritative set of live connections. It holds no
// persisted state; records exist exactly as long as their connection.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		records: make(map[string]*Record),
		logger:  logger.With("component", "presence"),
	}
}

// Upsert inserts or replaces the record for a connection.
func (r *Registry) Upsert(rec Record) {
	now := time.Now()
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = now
	}
	rec.LastSeen = now

	r.mu.Lock()
	r.records[rec.ConnID] = &rec
	total := len(r.records)
	r.mu.Unlock()

	r.logger.Debug("presence record upserted",
		"conn_id", rec.ConnID,
		"role", rec.Role,
		"paired", rec.Paired,
		"total", total,
	)
}

// Touch refreshes the last-seen timestamp for a connection, typically on
// heartbeat. Unknown connections are ignored.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[connID]; ok {
		rec.LastSeen = time.Now()
	}
}

// Remove deletes the record for a connection, returning the removed record.
func (r *Registry) Remove(connID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[connID]
	if !ok {
		return Record{}, false
	}
	delete(r.records, connID)
	r.logger.Debug("presence record removed", "conn_id", connID, "role", rec.Role, "total", len(r.records))
	return *rec, true
}

// Get returns a copy of the record for a connection.
func (r *Registry) Get(connID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[connID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot recomputes the aggregate view from the live records, split by
// role and ordered by connection time for stable output.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var snap Snapshot
	for _, rec := range r.records {
		switch rec.Role {
		case protocol.RoleNode:
			snap.Nodes = append(snap.Nodes, *rec)
		default:
			snap.Clients = append(snap.Clients, *rec)
		}
	}
	sortRecords(snap.Clients)
	sortRecords(snap.Nodes)
	return snap
}

// Count returns the number of live records for a role.
func (r *Registry) Count(role protocol.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.records {
		if rec.Role == role {
			n++
		}
	}
	return n
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ConnectedAt.Equal(recs[j].ConnectedAt) {
			return recs[i].ConnID < recs[j].ConnID
		}
		return recs[i].ConnectedAt.Before(recs[j].ConnectedAt)
	})
}
