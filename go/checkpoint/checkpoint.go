package checkpoint

import (
	"context"
	"fmt"

	"github.com/estuary/loadcore/go/stream"
	"github.com/segmentio/encoding/json"
)

// Message is the body of a checkpoint as it is emitted to the output.
type Message struct {
	// Payload is the opaque checkpoint state of the source. It's passed
	// through unchanged.
	Payload json.RawMessage `json:"payload"`
	// Records read per stream since the preceding checkpoint of that stream.
	Records map[string]int64 `json:"records,omitempty"`
}

// Checkpoint is a checkpoint awaiting emission. It is either a
// StreamCheckpoint or a GlobalCheckpoint, and no other type can implement it.
type Checkpoint interface {
	Message() Message
	isCheckpoint()
}

// StreamCheckpoint is a checkpoint of a single stream.
type StreamCheckpoint struct {
	Key   stream.Key
	Index stream.CheckpointIndex
	Msg   Message
}

// GlobalCheckpoint is a checkpoint covering several streams at once. It can
// be emitted only when every covered stream is committed through its index.
type GlobalCheckpoint struct {
	Indexes []stream.IndexedKey
	Msg     Message
}

func (c StreamCheckpoint) Message() Message { return c.Msg }
func (c GlobalCheckpoint) Message() Message { return c.Msg }

func (StreamCheckpoint) isCheckpoint() {}
func (GlobalCheckpoint) isCheckpoint() {}

func (c StreamCheckpoint) String() string {
	return fmt.Sprintf("%s@%d", c.Key, c.Index)
}

// Sink receives emitted checkpoints, in order. A Sink error is fatal to the
// sync: the ledger does not retry.
type Sink interface {
	Emit(ctx context.Context, c Checkpoint) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, c Checkpoint) error

func (f SinkFunc) Emit(ctx context.Context, c Checkpoint) error { return f(ctx, c) }

// Mode is the checkpoint addressing of a sync, fixed by its first checkpoint.
type Mode int

const (
	ModeUninitialized Mode = iota
	ModeStream
	ModeGlobal
)

func (m Mode) String() string {
	switch m {
	case ModeUninitialized:
		return "uninitialized"
	case ModeStream:
		return "stream"
	case ModeGlobal:
		return "global"
	default:
		return fmt.Sprintf("invalid Mode(%d)", int(m))
	}
}
