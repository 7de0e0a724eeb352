package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"pkt.systems/wlock/internal/identity"
)

// Record is the persisted lock entry. The JSON layout is shared by every
// backend that stores documents.
type Record struct {
	Hostname      string    `json:"hostname"`
	Username      string    `json:"username"`
	ProcessID     int       `json:"process_id"`
	LockedAt      time.Time `json:"locked_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// NewRecord builds a fresh record for owner acquired at now.
func NewRecord(owner identity.Identity, now time.Time) Record {
	now = NormalizeTime(now)
	return Record{
		Hostname:      owner.Hostname,
		Username:      owner.Username,
		ProcessID:     owner.ProcessID,
		LockedAt:      now,
		LastHeartbeat: now,
	}
}

// NormalizeTime converts t to UTC with microsecond precision so records
// round-trip exactly through every backend.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Owner returns the identity that holds the record.
func (r Record) Owner() identity.Identity {
	return identity.Identity{Hostname: r.Hostname, Username: r.Username, ProcessID: r.ProcessID}
}

// OwnedBy reports whether id holds the record.
func (r Record) OwnedBy(id identity.Identity) bool {
	return r.Owner().Equal(id)
}

// Heartbeat returns a copy with LastHeartbeat set to now.
func (r Record) Heartbeat(now time.Time) Record {
	r.LastHeartbeat = NormalizeTime(now)
	return r
}

// Clone returns a copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Equal compares records field by field.
func (r Record) Equal(other Record) bool {
	return r.Hostname == other.Hostname &&
		r.Username == other.Username &&
		r.ProcessID == other.ProcessID &&
		r.LockedAt.Equal(other.LockedAt) &&
		r.LastHeartbeat.Equal(other.LastHeartbeat)
}

// MarshalRecord encodes rec using the canonical JSON layout.
func MarshalRecord(rec *Record) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("storage: nil record")
	}
	norm := *rec
	norm.LockedAt = NormalizeTime(norm.LockedAt)
	norm.LastHeartbeat = NormalizeTime(norm.LastHeartbeat)
	payload, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("storage: encode record: %w", err)
	}
	return payload, nil
}

// UnmarshalRecord decodes a JSON record.
func UnmarshalRecord(payload []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("storage: decode record: %w", err)
	}
	rec.LockedAt = rec.LockedAt.UTC()
	rec.LastHeartbeat = rec.LastHeartbeat.UTC()
	return &rec, nil
}

// ContentETag derives a version token from an encoded record. Backends
// without native versioning use it so that equal content means equal version.
func ContentETag(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}
