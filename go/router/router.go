package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/estuary/loadcore/go/checkpoint"
	cerrors "github.com/estuary/loadcore/go/connector-errors"
	"github.com/estuary/loadcore/go/metrics"
	"github.com/estuary/loadcore/go/reservation"
	"github.com/estuary/loadcore/go/stream"
	"github.com/estuary/loadcore/go/syncmanager"
	"github.com/segmentio/encoding/json"
	log "github.com/sirupsen/logrus"
)

const defaultQueueSize = 1024

// EventKind discriminates the events of the input.
type EventKind int

const (
	EventRecord EventKind = iota
	EventStreamComplete
	EventStreamIncomplete
	EventStreamCheckpoint
	EventGlobalCheckpoint
)

func (k EventKind) String() string {
	switch k {
	case EventRecord:
		return "record"
	case EventStreamComplete:
		return "streamComplete"
	case EventStreamIncomplete:
		return "streamIncomplete"
	case EventStreamCheckpoint:
		return "streamCheckpoint"
	case EventGlobalCheckpoint:
		return "globalCheckpoint"
	default:
		return fmt.Sprintf("invalid EventKind(%d)", int(k))
	}
}

// Event is one input event.
type Event struct {
	Kind EventKind
	// Stream of a record, stream status, or stream checkpoint.
	Stream stream.Key
	// Streams covered by a global checkpoint. If empty, the checkpoint covers
	// every stream of the sync.
	Streams []stream.Key
	// Data is the record document, or the checkpoint payload.
	Data json.RawMessage
	// SizeBytes of a record to reserve while it's buffered. Zero if the
	// record is not sized.
	SizeBytes int64
}

// Record is a record stamped with its position in the sync.
type Record struct {
	Stream stream.Key
	// Index of the checkpoint which follows the record.
	Index stream.CheckpointIndex
	// Position of the record within its stream.
	Position int64
	Data     json.RawMessage
}

// Item is an element of a stream's downstream queue: a reserved record, or
// the end-of-stream marker which is always the last item of a stream.
type Item struct {
	Record      reservation.Reserved[Record]
	EndOfStream bool
	// Complete is whether the source reported the stream complete. Set only
	// with EndOfStream.
	Complete bool
}

// Ledger receives the checkpoints of the input.
type Ledger interface {
	Add(checkpoint.Checkpoint) error
}

// LoaderSetup prepares the destination for the first record of a stream.
type LoaderSetup func(ctx context.Context, key stream.Key) (syncmanager.StreamLoader, error)

// Router stamps input events with their stream and checkpoint, updates the
// progress of their stream, and fans them out to per-stream queues and the
// checkpoint ledger. Route and Close must be called from a single goroutine.
type Router struct {
	sync    *syncmanager.Manager
	ledger  Ledger
	pool    *reservation.Pool
	setup   LoaderSetup
	metrics *metrics.Metrics

	queues  map[stream.Key]chan Item
	started map[stream.Key]bool

	mu      sync.Mutex
	current map[stream.Key]stream.CheckpointIndex
	closed  bool
}

// Option configures a Router.
type Option func(*routerOptions)

type routerOptions struct {
	queueSize int
	setup     LoaderSetup
	metrics   *metrics.Metrics
}

// WithQueueSize sets the buffer of each per-stream queue.
func WithQueueSize(n int) Option { return func(o *routerOptions) { o.queueSize = n } }

// WithLoaderSetup runs setup once per stream, before its first record is
// queued.
func WithLoaderSetup(setup LoaderSetup) Option { return func(o *routerOptions) { o.setup = setup } }

// WithMetrics counts routed records in m.
func WithMetrics(m *metrics.Metrics) Option { return func(o *routerOptions) { o.metrics = m } }

// New returns a Router for the streams of sm. Record reservations are drawn
// from pool.
func New(sm *syncmanager.Manager, ledger Ledger, pool *reservation.Pool, opts ...Option) *Router {
	var o = routerOptions{queueSize: defaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}

	var r = &Router{
		sync:    sm,
		ledger:  ledger,
		pool:    pool,
		setup:   o.setup,
		metrics: metrics.OrDiscard(o.metrics),
		queues:  make(map[stream.Key]chan Item),
		started: make(map[stream.Key]bool),
		current: make(map[stream.Key]stream.CheckpointIndex),
	}
	for _, key := range sm.Keys() {
		r.queues[key] = make(chan Item, o.queueSize)
		r.current[key] = stream.FirstCheckpointIndex
	}
	return r
}

// Queue is the downstream queue of a stream. It is closed by Close.
func (r *Router) Queue(key stream.Key) (<-chan Item, error) {
	if q, ok := r.queues[key]; ok {
		return q, nil
	}
	return nil, cerrors.Guardf("stream %s is not part of the sync", key)
}

// CurrentCheckpointIndex is the index records of the stream are currently
// tagged with.
func (r *Router) CurrentCheckpointIndex(key stream.Key) (stream.CheckpointIndex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.current[key]; ok {
		return idx, nil
	}
	return 0, cerrors.Guardf("stream %s is not part of the sync", key)
}

// Route handles one input event.
func (r *Router) Route(ctx context.Context, ev Event) error {
	r.mu.Lock()
	var closed = r.closed
	r.mu.Unlock()

	if closed {
		return cerrors.Guardf("%s event routed after the input was closed", ev.Kind)
	}

	switch ev.Kind {
	case EventRecord:
		return r.routeRecord(ctx, ev)
	case EventStreamComplete, EventStreamIncomplete:
		return r.routeEndOfStream(ctx, ev.Stream, ev.Kind == EventStreamComplete)
	case EventStreamCheckpoint:
		return r.routeStreamCheckpoint(ev)
	case EventGlobalCheckpoint:
		return r.routeGlobalCheckpoint(ev)
	default:
		return fmt.Errorf("unknown event kind %d", int(ev.Kind))
	}
}

func (r *Router) routeRecord(ctx context.Context, ev Event) error {
	var tracker, err = r.sync.Tracker(ev.Stream)
	if err != nil {
		return err
	}

	if !r.started[ev.Stream] && r.setup != nil {
		if _, err := r.sync.EnsureStreamLoader(ctx, ev.Stream, r.setup); err != nil {
			return err
		}
	}
	r.started[ev.Stream] = true

	res, err := r.pool.Reserve(ctx, ev.SizeBytes)
	if err != nil {
		return fmt.Errorf("reserving %d bytes for a record of %s: %w", ev.SizeBytes, ev.Stream, err)
	}

	var idx = r.currentIndex(ev.Stream)
	position, err := tracker.IncrementReadCount(idx)
	if err != nil {
		res.Release()
		return err
	} else if err = tracker.IncrementByteCount(ev.SizeBytes, idx); err != nil {
		res.Release()
		return err
	}

	var name = ev.Stream.String()
	r.metrics.RecordsRouted.WithLabelValues(name).Inc()
	r.metrics.BytesRouted.WithLabelValues(name).Add(float64(ev.SizeBytes))

	var item = Item{Record: reservation.Wrap(res, Record{
		Stream:   ev.Stream,
		Index:    idx,
		Position: position,
		Data:     ev.Data,
	})}

	select {
	case r.queues[ev.Stream] <- item:
		return nil
	case <-ctx.Done():
		res.Release()
		return ctx.Err()
	}
}

func (r *Router) routeEndOfStream(ctx context.Context, key stream.Key, complete bool) error {
	var tracker, err = r.sync.Tracker(key)
	if err != nil {
		return err
	}
	total, err := tracker.MarkEndOfStream(complete)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"stream":   key.String(),
		"complete": complete,
		"records":  total,
	}).Info("end of stream")

	select {
	case r.queues[key] <- Item{EndOfStream: true, Complete: complete}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) routeStreamCheckpoint(ev Event) error {
	var tracker, err = r.sync.Tracker(ev.Stream)
	if err != nil {
		return err
	}

	var idx = r.currentIndex(ev.Stream)
	var cp = checkpoint.StreamCheckpoint{
		Key:   ev.Stream,
		Index: idx,
		Msg: checkpoint.Message{
			Payload: ev.Data,
			Records: map[string]int64{ev.Stream.String(): tracker.ReadCount(idx)},
		},
	}
	if err := r.ledger.Add(cp); err != nil {
		return err
	}
	r.advance(ev.Stream)

	return nil
}

func (r *Router) routeGlobalCheckpoint(ev Event) error {
	var keys = ev.Streams
	if len(keys) == 0 {
		keys = r.sync.Keys()
	}

	var cp = checkpoint.GlobalCheckpoint{
		Msg: checkpoint.Message{
			Payload: ev.Data,
			Records: make(map[string]int64, len(keys)),
		},
	}
	for _, key := range keys {
		var tracker, err = r.sync.Tracker(key)
		if err != nil {
			return err
		}
		var idx = r.currentIndex(key)
		cp.Indexes = append(cp.Indexes, stream.IndexedKey{Key: key, Index: idx})
		cp.Msg.Records[key.String()] = tracker.ReadCount(idx)
	}

	if err := r.ledger.Add(cp); err != nil {
		return err
	}
	for _, key := range keys {
		r.advance(key)
	}
	return nil
}

func (r *Router) currentIndex(key stream.Key) stream.CheckpointIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current[key]
}

func (r *Router) advance(key stream.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current[key]++
}

// Close closes every downstream queue, and tells the sync that its input was
// consumed. It fails if any stream never received its end-of-stream.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	for _, q := range r.queues {
		close(q)
	}
	return r.sync.MarkInputConsumed()
}
