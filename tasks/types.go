/*
Package tasks provides the task/subtask/note domain service built on the
transactional core.

PURPOSE:
  Demonstrates how domain services consume the core's primitives: versioned
  records for mutation, the credit ledger for metered features, and the
  recovery store for undoable deletes. The package owns no consistency
  machinery of its own - every guarantee comes from the core.

FIELD MODEL:
  Domain fields (title, body, status, due date) live in the record's Fields
  map; the core stays agnostic of their shape. The constants below are the
  canonical keys.

EVENTS:
  Completion and creation can drive external behavior (streak counters,
  achievement thresholds, scheduled reminders). Those fire through the
  Events hook - and deliberately NOT on the restore path, which recreates
  records without replaying their history.

SEE ALSO:
  - service.go: operations and cascade orchestration
  - snapshot.go: the tombstone serializer for tasks
*/
package tasks

import (
	"context"

	"github.com/lattice/taskcore/core"
)

// Canonical field keys within a record's Fields map.
const (
	FieldTitle  = "title"
	FieldBody   = "body"
	FieldStatus = "status"
	FieldDueAt  = "due_at"
)

// Task statuses.
const (
	StatusOpen = "open"
	StatusDone = "done"
)

// Events receives domain notifications. Implementations deliver reminders,
// bump streaks, check achievement thresholds. Restores never fire these.
type Events interface {
	TaskCreated(ctx context.Context, rec core.Record)
	TaskCompleted(ctx context.Context, rec core.Record)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) TaskCreated(context.Context, core.Record)   {}
func (NopEvents) TaskCompleted(context.Context, core.Record) {}

var _ Events = NopEvents{}

// Title returns the record's title field, or "".
func Title(rec core.Record) string { return stringField(rec, FieldTitle) }

// Status returns the record's status field, defaulting to open.
func Status(rec core.Record) string {
	s := stringField(rec, FieldStatus)
	if s == "" {
		return StatusOpen
	}
	return s
}

// Done reports whether the record is completed.
func Done(rec core.Record) bool { return Status(rec) == StatusDone }

func stringField(rec core.Record, key string) string {
	if rec.Fields == nil {
		return ""
	}
	s, _ := rec.Fields[key].(string)
	return s
}
