package checkpoint

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	cerrors "github.com/estuary/loadcore/go/connector-errors"
	"github.com/estuary/loadcore/go/metrics"
	"github.com/estuary/loadcore/go/progress"
	"github.com/estuary/loadcore/go/stream"
	log "github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/time/rate"
)

const (
	defaultDrainAttempts = 30
	defaultDrainDelay    = time.Second
)

// Trackers resolves the progress tracker of a stream.
type Trackers interface {
	Tracker(key stream.Key) (*progress.Tracker, error)
}

type streamQueue struct {
	pending    []StreamCheckpoint
	lastQueued stream.CheckpointIndex
	queued     bool
}

// Ledger holds the checkpoints of a sync until every record preceding them is
// committed, and then emits them to a Sink in arrival order.
type Ledger struct {
	trackers      Trackers
	sink          Sink
	metrics       *metrics.Metrics
	drainAttempts int
	drainDelay    time.Duration

	mu          sync.Mutex
	mode        Mode
	streams     *orderedmap.OrderedMap[stream.Key, *streamQueue]
	global      []GlobalCheckpoint
	lastFlushed map[stream.Key]stream.CheckpointIndex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMetrics reports pending and emitted checkpoints to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithDrainRetry bounds AwaitAllCheckpointsFlushed to attempts flushes, delay
// apart.
func WithDrainRetry(attempts int, delay time.Duration) Option {
	return func(l *Ledger) { l.drainAttempts, l.drainDelay = attempts, delay }
}

// NewLedger returns a Ledger which decides readiness using trackers and emits
// to sink.
func NewLedger(trackers Trackers, sink Sink, opts ...Option) *Ledger {
	var l = &Ledger{
		trackers:      trackers,
		sink:          sink,
		drainAttempts: defaultDrainAttempts,
		drainDelay:    defaultDrainDelay,
		streams:       orderedmap.New[stream.Key, *streamQueue](),
		lastFlushed:   make(map[stream.Key]stream.CheckpointIndex),
	}
	for _, o := range opts {
		o(l)
	}
	l.metrics = metrics.OrDiscard(l.metrics)
	if l.drainAttempts < 1 {
		l.drainAttempts = 1
	}
	return l
}

// Mode is the addressing mode of the ledger.
func (l *Ledger) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

func (l *Ledger) setModeLocked(want Mode) error {
	if l.mode == ModeUninitialized {
		l.mode = want
		log.WithField("mode", want.String()).Info("checkpoint mode fixed by first checkpoint")
		return nil
	} else if l.mode != want {
		return cerrors.Orderingf("received a %s checkpoint in a sync using %s checkpoints", want, l.mode)
	}
	return nil
}

// Add queues a checkpoint of either kind.
func (l *Ledger) Add(c Checkpoint) error {
	switch c := c.(type) {
	case StreamCheckpoint:
		return l.AddStreamCheckpoint(c.Key, c.Index, c.Msg)
	case GlobalCheckpoint:
		return l.AddGlobalCheckpoint(c.Indexes, c.Msg)
	default:
		panic(fmt.Sprintf("unhandled checkpoint type %T", c))
	}
}

// AddStreamCheckpoint queues checkpoint idx of a stream. Indexes of a stream
// must not decrease.
func (l *Ledger) AddStreamCheckpoint(key stream.Key, idx stream.CheckpointIndex, msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.setModeLocked(ModeStream); err != nil {
		return err
	}

	var q, ok = l.streams.Get(key)
	if !ok {
		q = &streamQueue{}
		l.streams.Set(key, q)
	}
	if q.queued && idx < q.lastQueued {
		return cerrors.Orderingf("stream %s: checkpoint %d received after checkpoint %d", key, idx, q.lastQueued)
	}
	q.pending = append(q.pending, StreamCheckpoint{Key: key, Index: idx, Msg: msg})
	q.lastQueued, q.queued = idx, true
	l.metrics.CheckpointsPending.Inc()

	return nil
}

// AddGlobalCheckpoint queues a checkpoint covering the streams of indexes.
// No index may be lower than that of the same stream in the oldest pending
// global checkpoint.
func (l *Ledger) AddGlobalCheckpoint(indexes []stream.IndexedKey, msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.setModeLocked(ModeGlobal); err != nil {
		return err
	}

	var seen = make(map[stream.Key]struct{}, len(indexes))
	for _, ki := range indexes {
		if _, ok := seen[ki.Key]; ok {
			return cerrors.Guardf("global checkpoint lists stream %s more than once", ki.Key)
		}
		seen[ki.Key] = struct{}{}
	}

	if len(l.global) != 0 {
		var head = l.global[0]
		for _, h := range head.Indexes {
			for _, ki := range indexes {
				if ki.Key == h.Key && ki.Index < h.Index {
					return cerrors.Orderingf("global checkpoint has %s at %d, behind pending checkpoint at %d", ki.Key, ki.Index, h.Index)
				}
			}
		}
	}

	l.global = append(l.global, GlobalCheckpoint{Indexes: append([]stream.IndexedKey(nil), indexes...), Msg: msg})
	l.metrics.CheckpointsPending.Inc()

	return nil
}

func (l *Ledger) isCommittedLocked(key stream.Key, idx stream.CheckpointIndex) (bool, error) {
	var tr, err = l.trackers.Tracker(key)
	if err != nil {
		return false, err
	}
	return tr.IsCheckpointCommitted(idx), nil
}

func (l *Ledger) checkRegressionLocked(key stream.Key, idx stream.CheckpointIndex) error {
	if last, ok := l.lastFlushed[key]; ok && idx < last {
		return cerrors.Orderingf("stream %s: emitting checkpoint %d after checkpoint %d", key, idx, last)
	}
	return nil
}

// FlushReadyCheckpointMessages emits every checkpoint which is ready, in
// order, and returns how many were emitted. With stream checkpoints each
// stream flushes up to its first checkpoint which is not yet committed. With
// global checkpoints nothing flushes past the oldest one which is not ready.
// A checkpoint is dequeued only after the Sink accepted it.
func (l *Ledger) FlushReadyCheckpointMessages(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.mode {
	case ModeStream:
		return l.flushStreamsLocked(ctx)
	case ModeGlobal:
		return l.flushGlobalLocked(ctx)
	default:
		return 0, nil
	}
}

func (l *Ledger) flushStreamsLocked(ctx context.Context) (int, error) {
	var emitted int

	for pair := l.streams.Oldest(); pair != nil; pair = pair.Next() {
		var key, q = pair.Key, pair.Value

		for len(q.pending) != 0 {
			var head = q.pending[0]

			if ok, err := l.isCommittedLocked(key, head.Index); err != nil {
				return emitted, err
			} else if !ok {
				break
			} else if err := l.checkRegressionLocked(key, head.Index); err != nil {
				return emitted, err
			} else if err := l.sink.Emit(ctx, head); err != nil {
				return emitted, fmt.Errorf("emitting checkpoint %s: %w", head, err)
			}

			q.pending = q.pending[1:]
			l.lastFlushed[key] = head.Index
			l.metrics.CheckpointsPending.Dec()
			l.metrics.CheckpointsEmitted.WithLabelValues(ModeStream.String()).Inc()
			emitted++

			log.WithFields(log.Fields{
				"stream":  key.String(),
				"index":   head.Index,
				"pending": len(q.pending),
			}).Debug("emitted stream checkpoint")
		}
	}
	return emitted, nil
}

func (l *Ledger) flushGlobalLocked(ctx context.Context) (int, error) {
	var emitted int

	for len(l.global) != 0 {
		var head = l.global[0]

		for _, ki := range head.Indexes {
			if ok, err := l.isCommittedLocked(ki.Key, ki.Index); err != nil {
				return emitted, err
			} else if !ok {
				return emitted, nil
			}
		}
		for _, ki := range head.Indexes {
			if err := l.checkRegressionLocked(ki.Key, ki.Index); err != nil {
				return emitted, err
			}
		}
		if err := l.sink.Emit(ctx, head); err != nil {
			return emitted, fmt.Errorf("emitting global checkpoint: %w", err)
		}

		l.global = l.global[1:]
		for _, ki := range head.Indexes {
			l.lastFlushed[ki.Key] = ki.Index
		}
		l.metrics.CheckpointsPending.Dec()
		l.metrics.CheckpointsEmitted.WithLabelValues(ModeGlobal.String()).Inc()
		emitted++

		log.WithFields(log.Fields{
			"streams": len(head.Indexes),
			"pending": len(l.global),
		}).Debug("emitted global checkpoint")
	}
	return emitted, nil
}

// NextCheckpointIndexes returns the index of the oldest pending checkpoint of
// each stream. With global checkpoints, these are the indexes of the oldest
// pending global checkpoint.
func (l *Ledger) NextCheckpointIndexes() map[stream.Key]stream.CheckpointIndex {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out = make(map[stream.Key]stream.CheckpointIndex)
	switch l.mode {
	case ModeStream:
		for pair := l.streams.Oldest(); pair != nil; pair = pair.Next() {
			if len(pair.Value.pending) != 0 {
				out[pair.Key] = pair.Value.pending[0].Index
			}
		}
	case ModeGlobal:
		if len(l.global) != 0 {
			for _, ki := range l.global[0].Indexes {
				out[ki.Key] = ki.Index
			}
		}
	}
	return out
}

// LastFlushedIndexes returns the index of the last emitted checkpoint of each
// stream.
func (l *Ledger) LastFlushedIndexes() map[stream.Key]stream.CheckpointIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.lastFlushed)
}

// Pending is the number of checkpoints not yet emitted.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingLocked()
}

func (l *Ledger) pendingLocked() int {
	var n = len(l.global)
	for pair := l.streams.Oldest(); pair != nil; pair = pair.Next() {
		n += len(pair.Value.pending)
	}
	return n
}

// AwaitAllCheckpointsFlushed flushes until no checkpoints are pending. It is
// meant for the end of a sync, when the last few checkpoints wait on
// straggling writes, and gives up after a bounded number of attempts.
func (l *Ledger) AwaitAllCheckpointsFlushed(ctx context.Context) error {
	var logSometimes = rate.Sometimes{First: 1, Interval: 10 * time.Second}

	for attempt := 1; ; attempt++ {
		if _, err := l.FlushReadyCheckpointMessages(ctx); err != nil {
			return err
		}
		var pending = l.Pending()
		if pending == 0 {
			return nil
		} else if attempt >= l.drainAttempts {
			return fmt.Errorf("%d checkpoint(s) still pending after %d flush attempts", pending, attempt)
		}

		logSometimes.Do(func() {
			log.WithFields(log.Fields{
				"pending": pending,
				"attempt": attempt,
				"next":    byName(l.NextCheckpointIndexes()),
			}).Info("waiting for remaining checkpoints to be committed")
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.drainDelay):
		}
	}
}

func byName(m map[stream.Key]stream.CheckpointIndex) map[string]stream.CheckpointIndex {
	var out = make(map[string]stream.CheckpointIndex, len(m))
	for k, v := range m {
		out[k.String()] = v
	}
	return out
}
