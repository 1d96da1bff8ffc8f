/*
handlers.go - HTTP API handlers for the task backend

PURPOSE:
  Exposes the task, credit, and recovery operations via REST. Handles HTTP
  request/response, JSON serialization, owner identity, idempotency slots,
  and delegates to the domain services.

IDENTITY:
  Every request carries the owner in the X-Owner-ID header. There is no
  authentication layer here; an upstream gateway is expected to establish
  identity and strip the header from outside traffic.

IDEMPOTENCY:
  Mutating endpoints honor an Idempotency-Key header. Credit-consuming
  endpoints (breakdown) REQUIRE it and fail 400 without one. A retried key
  replays the cached response verbatim, and a concurrent duplicate gets 409
  while the first execution is in flight.

ERROR HANDLING:
  Domain errors map to HTTP status:
  - 400: Validation errors, missing idempotency key, invalid amount
  - 402: Insufficient credit balance
  - 404: Record or tombstone not found
  - 409: Revision conflict, operation in progress
  - 410: Tombstone past its recovery window
  - 422: Integrity violation (e.g. attaching to a hidden record)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - sweeper.go: Background GC and reconciliation
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/lattice/taskcore/core"
	"github.com/lattice/taskcore/credits"
	"github.com/lattice/taskcore/tasks"
)

const (
	ownerHeader          = "X-Owner-ID"
	idempotencyKeyHeader = "Idempotency-Key"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Tasks       *tasks.Service
	Ledger      *core.Ledger
	Granter     *credits.Granter
	Reconciler  *credits.Reconciler
	Idempotency *core.Idempotency

	log zerolog.Logger
}

// NewHandler creates a new handler over the domain services.
func NewHandler(t *tasks.Service, ledger *core.Ledger, granter *credits.Granter, reconciler *credits.Reconciler, idem *core.Idempotency, log zerolog.Logger) *Handler {
	return &Handler{
		Tasks:       t,
		Ledger:      ledger,
		Granter:     granter,
		Reconciler:  reconciler,
		Idempotency: idem,
		log:         log,
	}
}

// =============================================================================
// TASK ENDPOINTS
// =============================================================================

// CreateTask creates a top-level task.
// POST /api/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "Title is required", nil)
		return
	}

	h.idempotent(w, r, owner, "task.create", func() (int, any, error) {
		fields := map[string]any{tasks.FieldTitle: req.Title}
		if req.Body != "" {
			fields[tasks.FieldBody] = req.Body
		}
		if req.DueAt != "" {
			fields[tasks.FieldDueAt] = req.DueAt
		}
		rec, err := h.Tasks.CreateTask(r.Context(), owner, fields)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, toRecordDTO(rec), nil
	})
}

// GetTask returns a record with its current revision.
// GET /api/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id := core.RecordID(chi.URLParam(r, "id"))

	rec, ok := h.ownedRecord(w, r, owner, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

// ListChildren returns a task's live children.
// GET /api/tasks/{id}/children
func (h *Handler) ListChildren(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id := core.RecordID(chi.URLParam(r, "id"))
	if _, ok := h.ownedRecord(w, r, owner, id); !ok {
		return
	}

	children, err := h.Tasks.Children(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(children))
}

// AddChild attaches a subtask or note to a task.
// POST /api/tasks/{id}/children
func (h *Handler) AddChild(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	parentID := core.RecordID(chi.URLParam(r, "id"))

	var req AddChildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	kind, err := parseChildKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid kind", err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "Title is required", nil)
		return
	}

	h.idempotent(w, r, owner, "task.addchild:"+string(parentID), func() (int, any, error) {
		fields := map[string]any{tasks.FieldTitle: req.Title}
		if req.Body != "" {
			fields[tasks.FieldBody] = req.Body
		}
		rec, err := h.Tasks.AddChild(r.Context(), owner, parentID, kind, fields)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, toRecordDTO(rec), nil
	})
}

// UpdateTask rewrites fields under the client's revision.
// PATCH /api/tasks/{id}
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id := core.RecordID(chi.URLParam(r, "id"))

	var req UpdateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Revision < 1 {
		writeError(w, http.StatusBadRequest, "Revision is required", nil)
		return
	}
	if _, ok := h.ownedRecord(w, r, owner, id); !ok {
		return
	}

	h.idempotent(w, r, owner, "task.update:"+string(id), func() (int, any, error) {
		rec, err := h.Tasks.Update(r.Context(), id, req.Revision, req.Fields)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, toRecordDTO(rec), nil
	})
}

// CompleteTask marks a record done, cascading to the parent when the last
// open subtask closes.
// POST /api/tasks/{id}/complete
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id := core.RecordID(chi.URLParam(r, "id"))

	var req RevisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Revision < 1 {
		writeError(w, http.StatusBadRequest, "Revision is required", nil)
		return
	}
	if _, ok := h.ownedRecord(w, r, owner, id); !ok {
		return
	}

	h.idempotent(w, r, owner, "task.complete:"+string(id), func() (int, any, error) {
		rec, err := h.Tasks.Complete(r.Context(), id, req.Revision)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, toRecordDTO(rec), nil
	})
}

// HideTask soft-hides a record.
// POST /api/tasks/{id}/hide
func (h *Handler) HideTask(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id := core.RecordID(chi.URLParam(r, "id"))

	var req RevisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if _, ok := h.ownedRecord(w, r, owner, id); !ok {
		return
	}

	h.idempotent(w, r, owner, "task.hide:"+string(id), func() (int, any, error) {
		rec, err := h.Tasks.Hide(r.Context(), id, req.Revision)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, toRecordDTO(rec), nil
	})
}

// Breakdown consumes credits and attaches the generated subtasks. This is a
// credit-consuming endpoint so the Idempotency-Key header is mandatory.
// POST /api/tasks/{id}/breakdown
func (h *Handler) Breakdown(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id := core.RecordID(chi.URLParam(r, "id"))

	var req BreakdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Subtasks) == 0 {
		writeError(w, http.StatusBadRequest, "At least one subtask is required", nil)
		return
	}

	h.idempotent(w, r, owner, "task.breakdown:"+string(id), func() (int, any, error) {
		subs, debits, err := h.Tasks.Breakdown(r.Context(), owner, id, req.Subtasks)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, BreakdownResponse{
			Subtasks: toRecordDTOs(subs),
			Debits:   toEntryDTOs(debits),
		}, nil
	})
}

// DeleteTask captures the task into a tombstone and removes the live rows.
// DELETE /api/tasks/{id}
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id := core.RecordID(chi.URLParam(r, "id"))

	h.idempotent(w, r, owner, "task.delete:"+string(id), func() (int, any, error) {
		tombID, err := h.Tasks.Delete(r.Context(), owner, id)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, DeleteResponse{TombstoneID: string(tombID)}, nil
	})
}

// =============================================================================
// RECOVERY ENDPOINTS
// =============================================================================

// ListTombstones returns the owner's recoverable deletions, oldest first.
// GET /api/tombstones
func (h *Handler) ListTombstones(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	ts, err := h.Tasks.Recovery().List(r.Context(), owner)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]TombstoneDTO, len(ts))
	for i, t := range ts {
		dtos[i] = toTombstoneDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RestoreTask recreates a deleted task under fresh identifiers.
// POST /api/tombstones/{id}/restore
func (h *Handler) RestoreTask(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id := core.TombstoneID(chi.URLParam(r, "id"))

	h.idempotent(w, r, owner, "tombstone.restore:"+string(id), func() (int, any, error) {
		rec, err := h.Tasks.Restore(r.Context(), owner, id)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, toRecordDTO(rec), nil
	})
}

// =============================================================================
// CREDIT ENDPOINTS
// =============================================================================

// GetBalance returns per-bucket and total balance.
// GET /api/credits/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	balances, err := h.Ledger.Balance(r.Context(), owner)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dto := BalanceDTO{Buckets: make(map[string]string, len(balances))}
	total := core.ZeroAmount()
	for bucket, amt := range balances {
		dto.Buckets[string(bucket)] = amt.String()
		total = total.Add(amt)
	}
	dto.Total = total.String()
	writeJSON(w, http.StatusOK, dto)
}

// ListEntries returns the owner's full ledger history.
// GET /api/credits/entries
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	entries, err := h.Ledger.Entries(r.Context(), owner)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// GrantCredits credits an owner's bucket under the grant policy.
// POST /api/admin/credits/grant
func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	bucket, err := parseBucket(req.Bucket)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid bucket", err)
		return
	}
	amount, err := core.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	h.idempotent(w, r, owner, "credits.grant", func() (int, any, error) {
		entry, err := h.Granter.Grant(r.Context(), owner, bucket, amount, req.Detail)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, toEntryDTO(entry), nil
	})
}

// TriggerRollover closes the owner's subscription period.
// POST /api/admin/credits/rollover
func (h *Handler) TriggerRollover(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	entries, err := h.Reconciler.Rollover(r.Context(), owner)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// TriggerExpirySweep writes off expired bucket balances.
// POST /api/admin/credits/sweep
func (h *Handler) TriggerExpirySweep(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	entries, err := h.Reconciler.SweepExpired(r.Context(), owner)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// IDEMPOTENCY WRAPPING
// =============================================================================

// creditConsumingTargets are the operation classes that hard-require an
// idempotency key. A retried network call on these must never double-spend.
var creditConsumingTargets = map[string]bool{
	"task.breakdown": true,
}

// idempotent runs fn inside an idempotency slot when the request carries a
// key. Credit-consuming targets reject requests without one. Replayed keys
// return the cached response byte for byte.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, owner core.OwnerID, target string, fn func() (int, any, error)) {
	key := r.Header.Get(idempotencyKeyHeader)
	if key == "" {
		class, _, _ := strings.Cut(target, ":")
		if creditConsumingTargets[class] {
			h.writeDomainError(w, core.ErrIdempotencyKeyRequired)
			return
		}
		// No key, no replay protection. Execute directly.
		h.execute(w, fn)
		return
	}

	begin, err := h.Idempotency.Begin(r.Context(), key, owner, target)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !begin.Proceed {
		// Completed duplicate: replay the stored response verbatim.
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotency-Replay", "true")
		w.WriteHeader(begin.Replay.Status)
		w.Write(begin.Replay.Payload)
		return
	}

	status, body, err := fn()
	if err != nil {
		// Release the slot so the client can retry after fixing the cause.
		if abortErr := h.Idempotency.Abort(r.Context(), key, owner, target); abortErr != nil {
			h.log.Error().Err(abortErr).Str("key", key).Msg("failed to release idempotency slot")
		}
		h.writeDomainError(w, err)
		return
	}

	payload, err := json.Marshal(body)
	if err != nil {
		h.writeDomainError(w, fmt.Errorf("encode response: %w", err))
		return
	}
	if err := h.Idempotency.Commit(r.Context(), key, owner, target, status, payload); err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("failed to commit idempotency slot")
		// Release the slot rather than leave it in_progress for the full
		// TTL; a retry re-executes instead of seeing 409 until expiry.
		if abortErr := h.Idempotency.Abort(r.Context(), key, owner, target); abortErr != nil {
			h.log.Error().Err(abortErr).Str("key", key).Msg("failed to release idempotency slot")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

func (h *Handler) execute(w http.ResponseWriter, fn func() (int, any, error)) {
	status, body, err := fn()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, status, body)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (core.OwnerID, bool) {
	owner := strings.TrimSpace(r.Header.Get(ownerHeader))
	if owner == "" {
		writeError(w, http.StatusBadRequest, "Missing "+ownerHeader+" header", nil)
		return "", false
	}
	return core.OwnerID(owner), true
}

// ownedRecord loads a record and verifies it belongs to the caller. Foreign
// records read as not found so record IDs don't leak across owners.
func (h *Handler) ownedRecord(w http.ResponseWriter, r *http.Request, owner core.OwnerID, id core.RecordID) (core.Record, bool) {
	rec, err := h.Tasks.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return core.Record{}, false
	}
	if rec.OwnerID != owner {
		h.writeDomainError(w, core.ErrRecordNotFound)
		return core.Record{}, false
	}
	return rec, true
}

func parseChildKind(s string) (core.RecordKind, error) {
	switch core.RecordKind(s) {
	case core.KindSubtask, core.KindNote:
		return core.RecordKind(s), nil
	default:
		return "", fmt.Errorf("kind must be %q or %q", core.KindSubtask, core.KindNote)
	}
}

func parseBucket(s string) (core.Bucket, error) {
	for _, b := range core.DefaultBucketPriority {
		if core.Bucket(s) == b {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown bucket %q", s)
}

// writeDomainError maps domain errors onto HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var conflict *core.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:           "Revision conflict",
			Details:         conflict.Error(),
			CurrentRevision: conflict.CurrentRevision,
		})
		return
	}

	var insufficient *core.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		writeError(w, http.StatusPaymentRequired, "Insufficient credit balance", err)
		return
	}

	switch {
	case errors.Is(err, core.ErrConflict), errors.Is(err, core.ErrOperationInProgress):
		writeError(w, http.StatusConflict, "Conflict", err)
	case errors.Is(err, core.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "Insufficient credit balance", err)
	case errors.Is(err, core.ErrRecordNotFound), errors.Is(err, core.ErrTombstoneNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, core.ErrTombstoneExpired):
		writeError(w, http.StatusGone, "Recovery window has passed", err)
	case errors.Is(err, core.ErrIdempotencyKeyRequired):
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required for this operation", err)
	case errors.Is(err, core.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
	case errors.Is(err, core.ErrIntegrityViolation):
		writeError(w, http.StatusUnprocessableEntity, "Integrity violation", err)
	default:
		h.log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
