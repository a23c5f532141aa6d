package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/estuary/loadcore/go/checkpoint"
	"github.com/estuary/loadcore/go/router"
	"github.com/estuary/loadcore/go/stream"
	"github.com/segmentio/encoding/json"
)

// Stream statuses of a streamStatus message.
const (
	StatusComplete   = "COMPLETE"
	StatusIncomplete = "INCOMPLETE"
)

// Checkpoint types of a checkpoint message.
const (
	CheckpointStream = "STREAM"
	CheckpointGlobal = "GLOBAL"
)

// Message is one line of the input. Exactly one field is set.
type Message struct {
	Record       *RecordMessage       `json:"record,omitempty"`
	StreamStatus *StreamStatusMessage `json:"streamStatus,omitempty"`
	Checkpoint   *CheckpointMessage   `json:"checkpoint,omitempty"`
}

type RecordMessage struct {
	Stream stream.Key      `json:"stream"`
	Data   json.RawMessage `json:"data"`
	// SizeBytes is the size to reserve for the record. If unset, the size of
	// the input line is used.
	SizeBytes int64 `json:"sizeBytes,omitempty"`
}

type StreamStatusMessage struct {
	Stream stream.Key `json:"stream"`
	Status string     `json:"status"`
}

type CheckpointMessage struct {
	Type    string          `json:"type"`
	Stream  *stream.Key     `json:"stream,omitempty"`
	Streams []stream.Key    `json:"streams,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Decoder reads Events from JSON lines.
type Decoder struct {
	br   *bufio.Reader
	line int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{br: bufio.NewReaderSize(r, 1<<20)}
}

// Next returns the next event of the input, or io.EOF at its end. Blank lines
// are skipped.
func (d *Decoder) Next() (router.Event, error) {
	for {
		var line, err = d.br.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return router.Event{}, err
		} else if err != nil && !errors.Is(err, io.EOF) {
			return router.Event{}, fmt.Errorf("reading line %d: %w", d.line+1, err)
		}
		d.line++

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return router.Event{}, err
			}
			continue
		}

		ev, perr := parseLine(line)
		if perr != nil {
			return router.Event{}, fmt.Errorf("line %d: %w", d.line, perr)
		}
		return ev, nil
	}
}

func parseLine(line []byte) (router.Event, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return router.Event{}, fmt.Errorf("parsing message: %w", err)
	}

	switch {
	case msg.Record != nil:
		var rec = msg.Record
		if err := validateKey(rec.Stream); err != nil {
			return router.Event{}, err
		}
		var size = rec.SizeBytes
		if size <= 0 {
			size = int64(len(line))
		}
		return router.Event{
			Kind:      router.EventRecord,
			Stream:    rec.Stream,
			Data:      rec.Data,
			SizeBytes: size,
		}, nil

	case msg.StreamStatus != nil:
		var st = msg.StreamStatus
		if err := validateKey(st.Stream); err != nil {
			return router.Event{}, err
		}
		switch st.Status {
		case StatusComplete:
			return router.Event{Kind: router.EventStreamComplete, Stream: st.Stream}, nil
		case StatusIncomplete:
			return router.Event{Kind: router.EventStreamIncomplete, Stream: st.Stream}, nil
		default:
			return router.Event{}, fmt.Errorf("invalid stream status %q", st.Status)
		}

	case msg.Checkpoint != nil:
		var cp = msg.Checkpoint
		switch cp.Type {
		case CheckpointStream:
			if cp.Stream == nil {
				return router.Event{}, fmt.Errorf("stream checkpoint has no stream")
			} else if err := validateKey(*cp.Stream); err != nil {
				return router.Event{}, err
			}
			return router.Event{Kind: router.EventStreamCheckpoint, Stream: *cp.Stream, Data: cp.Data}, nil
		case CheckpointGlobal:
			for _, key := range cp.Streams {
				if err := validateKey(key); err != nil {
					return router.Event{}, err
				}
			}
			return router.Event{Kind: router.EventGlobalCheckpoint, Streams: cp.Streams, Data: cp.Data}, nil
		default:
			return router.Event{}, fmt.Errorf("invalid checkpoint type %q", cp.Type)
		}
	}
	return router.Event{}, fmt.Errorf("message has no record, streamStatus, or checkpoint")
}

func validateKey(key stream.Key) error {
	if key.Name == "" {
		return fmt.Errorf("message has no stream name")
	}
	return nil
}

// CheckpointOutput is the line written for an emitted checkpoint.
type CheckpointOutput struct {
	Type    string             `json:"type"`
	Streams []stream.IndexedKey `json:"streams"`
	Data    json.RawMessage    `json:"data"`
	Records map[string]int64   `json:"records,omitempty"`
}

// Encoder writes emitted checkpoints as JSON lines. It implements
// checkpoint.Sink.
type Encoder struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Emit writes c as one line.
func (e *Encoder) Emit(_ context.Context, c checkpoint.Checkpoint) error {
	var out CheckpointOutput
	switch c := c.(type) {
	case checkpoint.StreamCheckpoint:
		out.Type = CheckpointStream
		out.Streams = []stream.IndexedKey{{Key: c.Key, Index: c.Index}}
	case checkpoint.GlobalCheckpoint:
		out.Type = CheckpointGlobal
		out.Streams = c.Indexes
	}
	var msg = c.Message()
	out.Data, out.Records = msg.Payload, msg.Records
	if len(out.Data) == 0 {
		out.Data = json.RawMessage("null")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.buf, err = json.Append(e.buf[:0], out, json.TrustRawMessage|json.SortMapKeys); err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	e.buf = append(e.buf, '\n')

	if _, err := e.w.Write(e.buf); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}
