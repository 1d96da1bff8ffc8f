/*
service.go - Task operations built on the transactional core

PURPOSE:
  Orchestrates the core primitives for the task domain: CAS-guarded
  mutations, cascade completion, credit-metered AI breakdowns, and
  delete/restore through tombstones.

CASCADE MODEL:
  Completing the last open subtask auto-completes the parent as a SEPARATE
  step guarded by the parent's own revision check. The store never cascades;
  if the parent moved underneath us we refetch and retry the cascade a
  bounded number of times, since the caller's own mutation already
  committed.

RESTORE PATH:
  Restore recreates records without firing Events. Streaks, achievements,
  and reminders are driven by genuine creations/completions only.
*/
package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/lattice/taskcore/core"
)

// cascadeRetries bounds refetch-and-retry when the parent's revision moves
// between the child completion and the cascade step.
const cascadeRetries = 3

// Service exposes the task-domain operations.
type Service struct {
	records  *core.Records
	ledger   *core.Ledger
	recovery *core.Recovery
	events   Events

	// breakdownCost is debited per AI breakdown request.
	breakdownCost core.Amount
}

// NewService wires the domain service. A nil events sink disables
// notifications.
func NewService(records *core.Records, ledger *core.Ledger, recovery *core.Recovery, events Events, breakdownCost core.Amount) *Service {
	if events == nil {
		events = NopEvents{}
	}
	return &Service{
		records:       records,
		ledger:        ledger,
		recovery:      recovery,
		events:        events,
		breakdownCost: breakdownCost,
	}
}

// Recovery exposes the tombstone store for listing and sweeps.
func (s *Service) Recovery() *core.Recovery { return s.recovery }

// =============================================================================
// CREATE / READ / UPDATE
// =============================================================================

// CreateTask creates a top-level task at revision 1.
func (s *Service) CreateTask(ctx context.Context, owner core.OwnerID, fields map[string]any) (core.Record, error) {
	fields = withDefaults(fields)
	rec, err := s.records.Create(ctx, owner, core.KindTask, "", fields)
	if err != nil {
		return core.Record{}, err
	}
	s.events.TaskCreated(ctx, rec)
	return rec, nil
}

// AddChild attaches a subtask or note to a task. Attaching to a hidden
// parent is an integrity violation: hidden records don't accept children.
func (s *Service) AddChild(ctx context.Context, owner core.OwnerID, parentID core.RecordID, kind core.RecordKind, fields map[string]any) (core.Record, error) {
	parent, err := s.records.Get(ctx, parentID)
	if err != nil {
		return core.Record{}, err
	}
	if parent.Hidden {
		return core.Record{}, fmt.Errorf("%w: cannot attach %s to hidden record %s",
			core.ErrIntegrityViolation, kind, parentID)
	}
	if parent.OwnerID != owner {
		return core.Record{}, core.ErrRecordNotFound
	}
	return s.records.Create(ctx, owner, kind, parentID, withDefaults(fields))
}

// Get returns a record with its current revision.
func (s *Service) Get(ctx context.Context, id core.RecordID) (core.Record, error) {
	return s.records.Get(ctx, id)
}

// Children lists a record's live children.
func (s *Service) Children(ctx context.Context, id core.RecordID) ([]core.Record, error) {
	return s.records.Children(ctx, id)
}

// Update rewrites domain fields under the revision the client last read.
func (s *Service) Update(ctx context.Context, id core.RecordID, expectedRevision int64, changes map[string]any) (core.Record, error) {
	return s.records.Update(ctx, id, expectedRevision, func(rec *core.Record) error {
		if rec.Fields == nil {
			rec.Fields = make(map[string]any)
		}
		for k, v := range changes {
			rec.Fields[k] = v
		}
		return nil
	})
}

// Hide soft-marks a record hidden.
func (s *Service) Hide(ctx context.Context, id core.RecordID, expectedRevision int64) (core.Record, error) {
	return s.records.Hide(ctx, id, expectedRevision)
}

// =============================================================================
// COMPLETION AND CASCADE
// =============================================================================

// Complete marks a record done under its revision check. When the record is
// a subtask and its siblings are all done, the parent auto-completes as a
// separate revision-guarded step.
func (s *Service) Complete(ctx context.Context, id core.RecordID, expectedRevision int64) (core.Record, error) {
	rec, err := s.records.Update(ctx, id, expectedRevision, setStatus(StatusDone))
	if err != nil {
		return core.Record{}, err
	}
	s.events.TaskCompleted(ctx, rec)

	if rec.ParentID != "" {
		if err := s.cascadeParentCompletion(ctx, rec.ParentID); err != nil {
			// The child completion committed; surface the cascade failure.
			return rec, fmt.Errorf("parent cascade: %w", err)
		}
	}
	return rec, nil
}

func (s *Service) cascadeParentCompletion(ctx context.Context, parentID core.RecordID) error {
	for attempt := 0; attempt < cascadeRetries; attempt++ {
		parent, err := s.records.Get(ctx, parentID)
		if err != nil {
			return err
		}
		if parent.Hidden {
			return fmt.Errorf("%w: cascade attempted on hidden record %s",
				core.ErrIntegrityViolation, parentID)
		}
		if Done(parent) {
			return nil
		}

		children, err := s.records.Children(ctx, parentID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Kind == core.KindSubtask && !Done(child) {
				return nil // still open work
			}
		}

		parent, err = s.records.Update(ctx, parentID, parent.Revision, setStatus(StatusDone))
		if err == nil {
			s.events.TaskCompleted(ctx, parent)
			return nil
		}
		if !errors.Is(err, core.ErrConflict) {
			return err
		}
		// Someone else touched the parent: refetch and re-evaluate.
	}
	return fmt.Errorf("%w: parent %s kept moving during cascade", core.ErrConflict, parentID)
}

// =============================================================================
// METERED FEATURES
// =============================================================================

// Breakdown debits the AI-breakdown cost from the owner's credit buckets
// and attaches the generated subtasks. The debit and the subtask inserts
// share one transaction: a failed insert rolls the debit back, so no
// credits are ever spent on subtasks that don't exist.
func (s *Service) Breakdown(ctx context.Context, owner core.OwnerID, taskID core.RecordID, subtaskTitles []string) ([]core.Record, []core.Entry, error) {
	task, err := s.records.Get(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.OwnerID != owner {
		return nil, nil, core.ErrRecordNotFound
	}
	if task.Hidden {
		return nil, nil, fmt.Errorf("%w: breakdown on hidden task %s", core.ErrIntegrityViolation, taskID)
	}

	var created []core.Record
	debits, err := s.ledger.ConsumeAndApply(ctx, owner, s.breakdownCost, "task ai-breakdown",
		func(st core.Store, _ []core.Entry) error {
			created = created[:0]
			for _, title := range subtaskTitles {
				sub, err := s.records.CreateIn(ctx, st, owner, core.KindSubtask, taskID, map[string]any{
					FieldTitle:  title,
					FieldStatus: StatusOpen,
				})
				if err != nil {
					return err
				}
				created = append(created, sub)
			}
			return nil
		})
	if err != nil {
		return nil, nil, err
	}
	return created, debits, nil
}

// =============================================================================
// DELETE AND RESTORE
// =============================================================================

// Delete captures the task and its children into a tombstone and
// hard-deletes the live rows, in one transaction.
func (s *Service) Delete(ctx context.Context, owner core.OwnerID, id core.RecordID) (core.TombstoneID, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.OwnerID != owner {
		return "", core.ErrRecordNotFound
	}
	return s.recovery.Capture(ctx, id)
}

// Restore brings a deleted task back under fresh identifiers at revision 1.
// No creation or completion events fire: a restore replays state, not
// history.
func (s *Service) Restore(ctx context.Context, owner core.OwnerID, id core.TombstoneID) (core.Record, error) {
	return s.recovery.Restore(ctx, owner, id)
}

// =============================================================================
// HELPERS
// =============================================================================

func withDefaults(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if _, ok := out[FieldStatus]; !ok {
		out[FieldStatus] = StatusOpen
	}
	return out
}

func setStatus(status string) core.Mutation {
	return func(rec *core.Record) error {
		if rec.Fields == nil {
			rec.Fields = make(map[string]any)
		}
		rec.Fields[FieldStatus] = status
		return nil
	}
}
