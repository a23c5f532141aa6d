package progress

import (
	"context"
	"fmt"
	"maps"
	"sync"

	cerrors "github.com/estuary/loadcore/go/connector-errors"
	"github.com/estuary/loadcore/go/future"
	"github.com/estuary/loadcore/go/stream"
	log "github.com/sirupsen/logrus"
)

// Result is the terminal outcome of processing a stream. A nil Err is success.
type Result struct {
	Err error
}

// Succeeded is true if the stream was processed successfully.
func (r Result) Succeeded() bool { return r.Err == nil }

func (r Result) String() string {
	if r.Err == nil {
		return "succeeded"
	}
	return fmt.Sprintf("failed: %s", r.Err)
}

// Tracker counts the records read for a stream against those which have
// reached each stage of the write path, per checkpoint. It is safe for
// concurrent use by the reader and any number of writers.
type Tracker struct {
	key stream.Key

	mu          sync.Mutex
	readCounts  map[stream.CheckpointIndex]int64
	byteCounts  map[stream.CheckpointIndex]int64
	totalRead   int64
	totalBytes  int64
	stageCounts map[stream.Stage]map[stream.CheckpointIndex]stream.CheckpointValue
	eos         bool
	eosComplete bool

	result *future.Cell[Result]
}

// NewTracker returns a Tracker for the stream.
func NewTracker(key stream.Key) *Tracker {
	return &Tracker{
		key:        key,
		readCounts: make(map[stream.CheckpointIndex]int64),
		byteCounts: make(map[stream.CheckpointIndex]int64),
		stageCounts: map[stream.Stage]map[stream.CheckpointIndex]stream.CheckpointValue{
			stream.StagePersisted: {},
			stream.StageComplete:  {},
		},
		result: future.NewCell[Result](),
	}
}

// Key is the stream tracked by t.
func (t *Tracker) Key() stream.Key { return t.key }

// IncrementReadCount counts one more record read for checkpoint idx. It
// returns the number of records read for the stream before this one, which is
// the position of the record within the stream.
func (t *Tracker) IncrementReadCount(idx stream.CheckpointIndex) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.eos {
		return 0, cerrors.Guardf("stream %s: record read after end-of-stream", t.key)
	}
	t.readCounts[idx]++
	var position = t.totalRead
	t.totalRead++

	return position, nil
}

// IncrementByteCount adds bytes read for checkpoint idx.
func (t *Tracker) IncrementByteCount(bytes int64, idx stream.CheckpointIndex) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.eos {
		return cerrors.Guardf("stream %s: bytes counted after end-of-stream", t.key)
	}
	t.byteCounts[idx] += bytes
	t.totalBytes += bytes

	return nil
}

// MarkEndOfStream closes the stream for reads. complete records whether the
// source reported the stream as complete, rather than incomplete. It returns
// the total number of records read.
func (t *Tracker) MarkEndOfStream(complete bool) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.eos {
		return 0, cerrors.Guardf("stream %s: end-of-stream already marked", t.key)
	}
	t.eos, t.eosComplete = true, complete

	return t.totalRead, nil
}

// EndOfStream reports whether end-of-stream was marked, and if so whether
// the source reported the stream complete.
func (t *Tracker) EndOfStream() (marked bool, complete bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eos, t.eosComplete
}

// IncrementCheckpointCounts merges counts reported by a writer for stage.
// Reports are additive, so partial and repeated reports from concurrent
// writers are all accounted for. A report which would account for more
// records of a checkpoint than were read is rejected whole, since that
// checkpoint could then never commit.
func (t *Tracker) IncrementCheckpointCounts(stage stream.Stage, counts map[stream.CheckpointIndex]stream.CheckpointValue) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var byIndex, ok = t.stageCounts[stage]
	if !ok {
		byIndex = make(map[stream.CheckpointIndex]stream.CheckpointValue)
		t.stageCounts[stage] = byIndex
	}

	for idx, v := range counts {
		if merged := byIndex[idx].Plus(v); merged.Accounted() > t.readCounts[idx] {
			log.WithFields(log.Fields{
				"stream":   t.key.String(),
				"stage":    stage.String(),
				"index":    idx,
				"reported": merged.Accounted(),
				"read":     t.readCounts[idx],
			}).Error("stage reported more records than were read for checkpoint")

			return cerrors.Guardf("stream %s: stage %s accounted for %d records of checkpoint %d, but only %d were read",
				t.key, stage, merged.Accounted(), idx, t.readCounts[idx])
		}
	}
	for idx, v := range counts {
		byIndex[idx] = byIndex[idx].Plus(v)
	}
	return nil
}

// ReadCount is the number of records read for checkpoint idx.
func (t *Tracker) ReadCount(idx stream.CheckpointIndex) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readCounts[idx]
}

// ByteCount is the number of bytes read for checkpoint idx.
func (t *Tracker) ByteCount(idx stream.CheckpointIndex) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byteCounts[idx]
}

// TotalReadCount is the number of records read for the stream.
func (t *Tracker) TotalReadCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalRead
}

// CommittedCount is the number of records of checkpoint idx which are
// durable: the larger of the persisted and completed counts, including
// rejected records.
func (t *Tracker) CommittedCount(idx stream.CheckpointIndex) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committedLocked(idx)
}

func (t *Tracker) committedLocked(idx stream.CheckpointIndex) int64 {
	var persisted = t.stageCounts[stream.StagePersisted][idx].Accounted()
	var complete = t.stageCounts[stream.StageComplete][idx].Accounted()
	return max(persisted, complete)
}

// IsCheckpointCommitted is true if every record read for checkpoint idx is
// committed.
func (t *Tracker) IsCheckpointCommitted(idx stream.CheckpointIndex) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committedLocked(idx) == t.readCounts[idx]
}

// IsBatchProcessingCompleteForCheckpoints is true once end-of-stream is
// marked and every record read has completed.
func (t *Tracker) IsBatchProcessingCompleteForCheckpoints() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.eos {
		return false
	}
	var completed int64
	for _, v := range t.stageCounts[stream.StageComplete] {
		completed += v.Accounted()
	}
	return completed == t.totalRead
}

// MarkProcessingSucceeded sets a successful terminal result. It fails if
// end-of-stream was never marked, and returns false if a result was already
// set.
func (t *Tracker) MarkProcessingSucceeded() (bool, error) {
	if marked, _ := t.EndOfStream(); !marked {
		return false, cerrors.Guardf("stream %s: cannot succeed before end-of-stream", t.key)
	}
	var _, ok = t.result.Resolve(Result{})
	if ok {
		log.WithField("stream", t.key.String()).Debug("stream processing succeeded")
	}
	return ok, nil
}

// MarkProcessingFailed sets a failed terminal result. It returns false if a
// result was already set, in which case the earlier result stands.
func (t *Tracker) MarkProcessingFailed(cause error) bool {
	if cause == nil {
		cause = fmt.Errorf("stream %s failed without a cause", t.key)
	}
	var existing, ok = t.result.Resolve(Result{Err: cause})
	if ok {
		log.WithFields(log.Fields{
			"stream": t.key.String(),
			"error":  cause,
		}).Warn("stream processing failed")
	} else {
		log.WithFields(log.Fields{
			"stream":   t.key.String(),
			"error":    cause,
			"existing": existing.String(),
		}).Debug("stream already has a result")
	}
	return ok
}

// AwaitStreamResult blocks until the stream has a terminal result.
func (t *Tracker) AwaitStreamResult(ctx context.Context) (Result, error) {
	return t.result.Await(ctx)
}

// StreamResult returns the terminal result, if one is set.
func (t *Tracker) StreamResult() (Result, bool) {
	return t.result.Peek()
}

// ResultDone selects once the stream has a terminal result.
func (t *Tracker) ResultDone() <-chan struct{} { return t.result.Done() }

// IsActive is true until the stream has a terminal result.
func (t *Tracker) IsActive() bool {
	var _, set = t.result.Peek()
	return !set
}

// Snapshot is a point-in-time copy of a Tracker's counters.
type Snapshot struct {
	Stream        stream.Key
	TotalRead     int64
	TotalBytes    int64
	ReadCounts    map[stream.CheckpointIndex]int64
	Persisted     map[stream.CheckpointIndex]stream.CheckpointValue
	Complete      map[stream.CheckpointIndex]stream.CheckpointValue
	EndOfStream   bool
	EndOfStreamOK bool
}

// Snapshot copies the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot{
		Stream:        t.key,
		TotalRead:     t.totalRead,
		TotalBytes:    t.totalBytes,
		ReadCounts:    maps.Clone(t.readCounts),
		Persisted:     maps.Clone(t.stageCounts[stream.StagePersisted]),
		Complete:      maps.Clone(t.stageCounts[stream.StageComplete]),
		EndOfStream:   t.eos,
		EndOfStreamOK: t.eosComplete,
	}
}
