/*
dto.go - Request and response shapes for the HTTP API

PURPOSE:
  Keeps the wire format separate from domain types. Revisions travel with
  every record so clients can echo them back on mutations. Amounts are
  serialized as decimal strings.
*/
package api

import (
	"time"

	"github.com/lattice/taskcore/core"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateTaskRequest creates a top-level task.
type CreateTaskRequest struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	DueAt string `json:"due_at,omitempty"` // RFC3339
}

// AddChildRequest attaches a subtask or note to a task.
type AddChildRequest struct {
	Kind  string `json:"kind"` // "subtask" or "note"
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

// UpdateTaskRequest rewrites fields under a revision check.
type UpdateTaskRequest struct {
	Revision int64          `json:"revision"`
	Fields   map[string]any `json:"fields"`
}

// RevisionRequest carries just the revision precondition.
type RevisionRequest struct {
	Revision int64 `json:"revision"`
}

// BreakdownRequest asks for an AI breakdown into the given subtasks.
type BreakdownRequest struct {
	Subtasks []string `json:"subtasks"`
}

// GrantRequest credits an owner's bucket.
type GrantRequest struct {
	Bucket string `json:"bucket"`
	Amount string `json:"amount"`
	Detail string `json:"detail,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// RecordDTO is the wire form of a record.
type RecordDTO struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Kind      string         `json:"kind"`
	ParentID  string         `json:"parent_id,omitempty"`
	Fields    map[string]any `json:"fields"`
	Hidden    bool           `json:"hidden"`
	Revision  int64          `json:"revision"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// EntryDTO is the wire form of a ledger entry.
type EntryDTO struct {
	ID           string `json:"id"`
	Bucket       string `json:"bucket"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	Reason       string `json:"reason"`
	Detail       string `json:"detail,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// BalanceDTO summarizes per-bucket and total balance.
type BalanceDTO struct {
	Buckets map[string]string `json:"buckets"`
	Total   string            `json:"total"`
}

// TombstoneDTO is the wire form of a recoverable deletion.
type TombstoneDTO struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	OriginalID       string `json:"original_id"`
	RecoverableUntil string `json:"recoverable_until"`
	CreatedAt        string `json:"created_at"`
}

// BreakdownResponse reports created subtasks and the debits paid for them.
type BreakdownResponse struct {
	Subtasks []RecordDTO `json:"subtasks"`
	Debits   []EntryDTO  `json:"debits"`
}

// DeleteResponse returns the tombstone handle for a later restore.
type DeleteResponse struct {
	TombstoneID string `json:"tombstone_id"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	// CurrentRevision is set on revision conflicts so clients can refetch
	// without a second round trip.
	CurrentRevision int64 `json:"current_revision,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRecordDTO(rec core.Record) RecordDTO {
	return RecordDTO{
		ID:        string(rec.ID),
		OwnerID:   string(rec.OwnerID),
		Kind:      string(rec.Kind),
		ParentID:  string(rec.ParentID),
		Fields:    rec.Fields,
		Hidden:    rec.Hidden,
		Revision:  rec.Revision,
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
	}
}

func toRecordDTOs(recs []core.Record) []RecordDTO {
	dtos := make([]RecordDTO, len(recs))
	for i, r := range recs {
		dtos[i] = toRecordDTO(r)
	}
	return dtos
}

func toEntryDTO(e core.Entry) EntryDTO {
	dto := EntryDTO{
		ID:           string(e.ID),
		Bucket:       string(e.Bucket),
		Amount:       e.Amount.String(),
		BalanceAfter: e.BalanceAfter.String(),
		Reason:       string(e.Reason),
		Detail:       e.Detail,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
	}
	if e.ExpiresAt != nil {
		dto.ExpiresAt = e.ExpiresAt.Format(time.RFC3339)
	}
	return dto
}

func toEntryDTOs(entries []core.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toTombstoneDTO(t core.Tombstone) TombstoneDTO {
	return TombstoneDTO{
		ID:               string(t.ID),
		Kind:             string(t.Kind),
		OriginalID:       string(t.OriginalID),
		RecoverableUntil: t.RecoverableUntil.Format(time.RFC3339),
		CreatedAt:        t.CreatedAt.Format(time.RFC3339),
	}
}
