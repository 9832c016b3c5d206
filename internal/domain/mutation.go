// Package domain defines the persistence models for the offline mutation
// queue: queued write mutations and the dispatcher leadership lease. These
// types are mapped with GORM and form the durable state of the sync engine.
package domain

import (
	"encoding/json"
	"time"
)

// Operation is the kind of write a mutation carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of the supported kinds.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Status is the lifecycle state of a queued mutation.
//
// Transitions: PENDING → SYNCING → SYNCED | FAILED. A SYNCING mutation is
// moved back to PENDING when the dispatcher pauses (connectivity or
// leadership loss) or when a retryable failure reschedules it.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSyncing Status = "SYNCING"
	StatusSynced  Status = "SYNCED"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusSynced || s == StatusFailed }

// Mutation is the unit of work in the offline queue: one intended write
// against a backend entity, replayed at most once per idempotency key.
//
// Fields:
//   - ID: monotonically increasing row ID; enqueue order and therefore the
//     FIFO dispatch order.
//   - IdempotencyKey: opaque unique token generated at enqueue time; the sole
//     correlation between a client attempt and its server-side effect.
//   - EntityKind: logical resource name (e.g. "borrowers", "items").
//   - Operation: create, update, or delete.
//   - Payload: opaque request body for the target endpoint. The engine never
//     validates its contents; it only rewrites local-ID references once the
//     server assigns real identifiers.
//   - LocalID: client-generated placeholder identifier (creates only) used to
//     correlate follow-up mutations before the server ID exists.
//   - ServerID: server-confirmed identifier, filled on create confirmation or
//     known up front for update/delete.
//   - DependsOn: idempotency key of an earlier mutation this one must wait
//     for; cleared once the dependency reaches SYNCED.
//   - NextAttemptAt: earliest time the dispatcher may (re)send this mutation;
//     advanced by the retry policy after a transient failure.
//   - NotifiedAt: when the terminal lifecycle event was delivered; terminal
//     rows are prunable only after this is set.
type Mutation struct {
	ID             int64           `json:"-"               gorm:"primaryKey;autoIncrement"`
	IdempotencyKey string          `json:"idempotency_key" gorm:"type:char(36);not null;uniqueIndex:ux_mutation_key"`
	EntityKind     string          `json:"entity_kind"     gorm:"type:varchar(64);not null;index:idx_mutation_kind"`
	Operation      Operation       `json:"operation"       gorm:"type:varchar(16);not null"`
	Payload        json.RawMessage `json:"payload"         gorm:"type:text"`
	LocalID        string          `json:"local_id"        gorm:"type:varchar(64);index:idx_mutation_local"`
	ServerID       string          `json:"server_id"       gorm:"type:varchar(64)"`
	DependsOn      string          `json:"depends_on"      gorm:"type:char(36);index:idx_mutation_dep"`
	Status         Status          `json:"status"          gorm:"type:varchar(16);not null;index:idx_mutation_status"`
	Attempts       int             `json:"attempts"        gorm:"not null;default:0"`
	LastError      string          `json:"last_error"      gorm:"type:text"`
	NextAttemptAt  time.Time       `json:"next_attempt_at" gorm:"index:idx_mutation_next"`
	NotifiedAt     *time.Time      `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TableName returns the database table name for Mutation.
func (Mutation) TableName() string { return "mutations" }

// Blocked reports whether the mutation is waiting on an unresolved dependency.
func (m *Mutation) Blocked() bool { return m.DependsOn != "" }

// EntityID returns the identifier the mutation targets: the server-confirmed
// ID when known, otherwise the local placeholder.
func (m *Mutation) EntityID() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.LocalID
}
