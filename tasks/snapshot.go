/*
snapshot.go - Tombstone serializer for the task domain

PURPOSE:
  Packs a task and its dependent children (subtasks, notes) into one JSON
  snapshot at capture time, and unpacks it at restore. The core's Recovery
  assigns fresh identifiers and revision 1 after deserialization; the
  serializer only round-trips domain state.
*/
package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lattice/taskcore/core"
)

// Snapshotter implements core.Serializer for task-family records.
type Snapshotter struct{}

var _ core.Serializer = Snapshotter{}

type snapshotEnvelope struct {
	Parent   snapshotRecord   `json:"parent"`
	Children []snapshotRecord `json:"children,omitempty"`
}

type snapshotRecord struct {
	OwnerID   core.OwnerID    `json:"owner_id"`
	Kind      core.RecordKind `json:"kind"`
	Fields    map[string]any  `json:"fields,omitempty"`
	Hidden    bool            `json:"hidden,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (Snapshotter) Serialize(parent core.Record, children []core.Record) ([]byte, error) {
	env := snapshotEnvelope{Parent: toSnapshot(parent)}
	for _, child := range children {
		env.Children = append(env.Children, toSnapshot(child))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal task snapshot: %w", err)
	}
	return data, nil
}

func (Snapshotter) Deserialize(snapshot []byte) (core.Record, []core.Record, error) {
	var env snapshotEnvelope
	if err := json.Unmarshal(snapshot, &env); err != nil {
		return core.Record{}, nil, fmt.Errorf("unmarshal task snapshot: %w", err)
	}

	parent := fromSnapshot(env.Parent)
	children := make([]core.Record, 0, len(env.Children))
	for _, child := range env.Children {
		children = append(children, fromSnapshot(child))
	}
	return parent, children, nil
}

func toSnapshot(rec core.Record) snapshotRecord {
	return snapshotRecord{
		OwnerID:   rec.OwnerID,
		Kind:      rec.Kind,
		Fields:    rec.Fields,
		Hidden:    rec.Hidden,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// fromSnapshot intentionally leaves ID, ParentID, and Revision zero: the
// restore path assigns fresh identifiers and revision 1.
func fromSnapshot(s snapshotRecord) core.Record {
	return core.Record{
		OwnerID:   s.OwnerID,
		Kind:      s.Kind,
		Fields:    s.Fields,
		Hidden:    s.Hidden,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}
