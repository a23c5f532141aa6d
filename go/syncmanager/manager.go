package syncmanager

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	cerrors "github.com/estuary/loadcore/go/connector-errors"
	"github.com/estuary/loadcore/go/future"
	"github.com/estuary/loadcore/go/progress"
	"github.com/estuary/loadcore/go/stream"
	log "github.com/sirupsen/logrus"
)

// StreamLoader is the destination-side handle of one stream, set up before
// its first record is written and closed after its last.
type StreamLoader interface {
	// Close finalizes the stream. streamFailure is non-nil if processing of
	// the stream failed, in which case the loader should discard rather than
	// commit anything it has buffered.
	Close(ctx context.Context, streamFailure error) error
}

// StreamLoaderFunc adapts a function to the StreamLoader interface.
type StreamLoaderFunc func(ctx context.Context, streamFailure error) error

func (f StreamLoaderFunc) Close(ctx context.Context, streamFailure error) error {
	return f(ctx, streamFailure)
}

type loaderResult struct {
	loader StreamLoader
	err    error
}

type loaderState struct {
	once sync.Once
	cell *future.Cell[loaderResult]
}

// StreamOutcome is the state of one stream as of a sync result.
type StreamOutcome struct {
	Result progress.Result
	// Done is false if the stream had no result yet.
	Done bool
}

// SyncResult is the terminal outcome of a sync. A nil Err is success.
type SyncResult struct {
	Err     error
	Streams map[stream.Key]StreamOutcome
}

// Succeeded is true if the sync completed successfully.
func (r SyncResult) Succeeded() bool { return r.Err == nil }

// FailedStreams lists the streams which had failed as of the result, in a
// stable order.
func (r SyncResult) FailedStreams() []stream.Key {
	var out []stream.Key
	for key, o := range r.Streams {
		if o.Done && !o.Result.Succeeded() {
			out = append(out, key)
		}
	}
	slices.SortFunc(out, func(a, b stream.Key) int { return strings.Compare(a.String(), b.String()) })
	return out
}

// Manager owns the per-stream bookkeeping of one sync, and its result.
type Manager struct {
	keys     []stream.Key
	trackers map[stream.Key]*progress.Tracker

	loadersMu sync.Mutex
	loaders   map[stream.Key]*loaderState

	result *future.Cell[SyncResult]
}

// New returns a Manager for a sync of the given streams.
func New(keys []stream.Key) (*Manager, error) {
	var m = &Manager{
		trackers: make(map[stream.Key]*progress.Tracker, len(keys)),
		loaders:  make(map[stream.Key]*loaderState, len(keys)),
		result:   future.NewCell[SyncResult](),
	}
	for _, key := range keys {
		if key.Name == "" {
			return nil, fmt.Errorf("stream with namespace %q has no name", key.Namespace)
		} else if _, ok := m.trackers[key]; ok {
			return nil, fmt.Errorf("duplicate stream %s", key)
		}
		m.keys = append(m.keys, key)
		m.trackers[key] = progress.NewTracker(key)
	}
	return m, nil
}

// Keys are the streams of the sync, in catalog order.
func (m *Manager) Keys() []stream.Key { return slices.Clone(m.keys) }

// Tracker returns the progress tracker of a stream.
func (m *Manager) Tracker(key stream.Key) (*progress.Tracker, error) {
	if t, ok := m.trackers[key]; ok {
		return t, nil
	}
	return nil, cerrors.Guardf("stream %s is not part of the sync", key)
}

func (m *Manager) loaderState(key stream.Key) (*loaderState, error) {
	if _, ok := m.trackers[key]; !ok {
		return nil, cerrors.Guardf("stream %s is not part of the sync", key)
	}

	m.loadersMu.Lock()
	defer m.loadersMu.Unlock()

	var st, ok = m.loaders[key]
	if !ok {
		st = &loaderState{cell: future.NewCell[loaderResult]()}
		m.loaders[key] = st
	}
	return st, nil
}

// RegisterStreamLoader provides the loader of a stream to those awaiting it.
// A stream's loader can be registered only once.
func (m *Manager) RegisterStreamLoader(key stream.Key, loader StreamLoader) error {
	var st, err = m.loaderState(key)
	if err != nil {
		return err
	}
	var registered bool
	st.once.Do(func() {
		st.cell.Resolve(loaderResult{loader: loader})
		registered = true
	})
	if !registered {
		return cerrors.Guardf("stream %s already has a loader", key)
	}
	return nil
}

// EnsureStreamLoader runs setup for the stream exactly once, however many
// callers race to do so, and returns its loader. Callers that lose the race
// wait for the winner's result.
func (m *Manager) EnsureStreamLoader(
	ctx context.Context,
	key stream.Key,
	setup func(context.Context, stream.Key) (StreamLoader, error),
) (StreamLoader, error) {
	var st, err = m.loaderState(key)
	if err != nil {
		return nil, err
	}
	st.once.Do(func() {
		log.WithField("stream", key.String()).Debug("setting up stream loader")
		var loader, err = setup(ctx, key)
		if err != nil {
			err = fmt.Errorf("setting up loader for stream %s: %w", key, err)
		}
		st.cell.Resolve(loaderResult{loader: loader, err: err})
	})
	return m.AwaitStreamLoader(ctx, key)
}

// AwaitStreamLoader blocks until the stream's loader is registered.
func (m *Manager) AwaitStreamLoader(ctx context.Context, key stream.Key) (StreamLoader, error) {
	var st, err = m.loaderState(key)
	if err != nil {
		return nil, err
	}
	res, err := st.cell.Await(ctx)
	if err != nil {
		return nil, err
	}
	return res.loader, res.err
}

// StartedLoaders returns the loaders which were successfully set up.
func (m *Manager) StartedLoaders() map[stream.Key]StreamLoader {
	m.loadersMu.Lock()
	defer m.loadersMu.Unlock()

	var out = make(map[stream.Key]StreamLoader)
	for key, st := range m.loaders {
		if res, ok := st.cell.Peek(); ok && res.err == nil && res.loader != nil {
			out[key] = res.loader
		}
	}
	return out
}

// AwaitAllStreamsCompletedSuccessfully blocks until every stream has a
// result, and returns false if any of them failed.
func (m *Manager) AwaitAllStreamsCompletedSuccessfully(ctx context.Context) (bool, error) {
	var ok = true
	for _, key := range m.keys {
		var res, err = m.trackers[key].AwaitStreamResult(ctx)
		if err != nil {
			return false, err
		}
		ok = ok && res.Succeeded()
	}
	return ok, nil
}

// MarkInputConsumed records that the input is exhausted. Every stream must
// have received its end-of-stream by then: a stream without one means the
// source or transport dropped part of the input.
func (m *Manager) MarkInputConsumed() error {
	var missing []string
	for _, key := range m.keys {
		if marked, _ := m.trackers[key].EndOfStream(); !marked {
			missing = append(missing, key.String())
		}
	}
	if len(missing) != 0 {
		return cerrors.Guardf("input consumed but streams never ended: %s", strings.Join(missing, ", "))
	}
	log.WithField("streams", len(m.keys)).Debug("input consumed")
	return nil
}

// ActiveStreams lists the streams which do not yet have a result.
func (m *Manager) ActiveStreams() []stream.Key {
	var out []stream.Key
	for _, key := range m.keys {
		if m.trackers[key].IsActive() {
			out = append(out, key)
		}
	}
	return out
}

// MarkSucceeded sets the successful result of the sync. It is an error to
// do so while any stream is active, or if the sync already succeeded. It
// returns false if the sync had already failed.
func (m *Manager) MarkSucceeded() (bool, error) {
	if active := m.ActiveStreams(); len(active) != 0 {
		return false, cerrors.Guardf("cannot succeed sync with %d active stream(s), including %s", len(active), active[0])
	}

	var existing, ok = m.result.Resolve(SyncResult{Streams: m.snapshot()})
	if !ok {
		if existing.Succeeded() {
			return false, cerrors.Guardf("sync already succeeded")
		}
		return false, nil
	}
	log.WithField("streams", len(m.keys)).Info("sync succeeded")
	return true, nil
}

// MarkFailed sets the failed result of the sync, capturing the result of
// every stream alongside the cause. If the sync already had a result, that
// result is returned instead with false.
func (m *Manager) MarkFailed(cause error) (SyncResult, bool) {
	if cause == nil {
		cause = fmt.Errorf("sync failed without a cause")
	}
	var res, ok = m.result.Resolve(SyncResult{Err: cause, Streams: m.snapshot()})
	if ok {
		log.WithFields(log.Fields{
			"error":         cause,
			"failedStreams": len(res.FailedStreams()),
		}).Warn("sync failed")
	}
	return res, ok
}

// AwaitSyncResult blocks until the sync has a result.
func (m *Manager) AwaitSyncResult(ctx context.Context) (SyncResult, error) {
	return m.result.Await(ctx)
}

// SyncResult returns the result of the sync, if it has one.
func (m *Manager) SyncResult() (SyncResult, bool) {
	return m.result.Peek()
}

func (m *Manager) snapshot() map[stream.Key]StreamOutcome {
	var out = make(map[stream.Key]StreamOutcome, len(m.keys))
	for _, key := range m.keys {
		var res, done = m.trackers[key].StreamResult()
		out[key] = StreamOutcome{Result: res, Done: done}
	}
	return out
}
