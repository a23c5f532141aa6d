package stream

import "fmt"

// Key identifies one logical stream of a sync. Namespace is optional.
type Key struct {
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name      string `json:"name" yaml:"name"`
}

func (k Key) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return k.Namespace + "." + k.Name
}

// CheckpointIndex orders the checkpoint boundaries of a stream. Records are
// tagged with the index of the checkpoint that follows them, so all records
// tagged with index N must be committed before checkpoint N can be emitted.
type CheckpointIndex int64

// FirstCheckpointIndex is the index records are tagged with before any
// checkpoint of their stream has been observed.
const FirstCheckpointIndex CheckpointIndex = 1

// CheckpointValue is the amount of work attributable to one checkpoint at one
// stage. Values only ever grow, by addition.
type CheckpointValue struct {
	Records         int64 `json:"records"`
	SerializedBytes int64 `json:"serializedBytes"`
	RejectedRecords int64 `json:"rejectedRecords,omitempty"`
}

// Plus returns the sum of v and o.
func (v CheckpointValue) Plus(o CheckpointValue) CheckpointValue {
	return CheckpointValue{
		Records:         v.Records + o.Records,
		SerializedBytes: v.SerializedBytes + o.SerializedBytes,
		RejectedRecords: v.RejectedRecords + o.RejectedRecords,
	}
}

// Accounted is the number of records this value settles, whether they were
// written or rejected.
func (v CheckpointValue) Accounted() int64 {
	return v.Records + v.RejectedRecords
}

// Stage is a point in the write path at which progress is reported.
type Stage int

const (
	// StagePersisted means records are durably staged in the destination.
	StagePersisted Stage = iota
	// StageComplete means records are fully processed and their buffers freed.
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StagePersisted:
		return "PERSISTED"
	case StageComplete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("invalid Stage(%d)", int(s))
	}
}

// IndexedKey pairs a stream with one of its checkpoint indexes.
type IndexedKey struct {
	Key   Key             `json:"stream"`
	Index CheckpointIndex `json:"index"`
}
