// Package pipeline runs one sync: it reads events from the input, loads
// records through the destination, and writes checkpoints to the output as
// they commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/estuary/loadcore/go/checkpoint"
	"github.com/estuary/loadcore/go/destination"
	"github.com/estuary/loadcore/go/future"
	"github.com/estuary/loadcore/go/metrics"
	"github.com/estuary/loadcore/go/protocol"
	"github.com/estuary/loadcore/go/reservation"
	"github.com/estuary/loadcore/go/router"
	"github.com/estuary/loadcore/go/schedule"
	"github.com/estuary/loadcore/go/stream"
	"github.com/estuary/loadcore/go/syncmanager"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Options of a sync.
type Options struct {
	RunID   string
	Streams []stream.Key
	Input   io.Reader
	Output  io.Writer

	Destination destination.Config
	// MemoryBytes bounds the bytes of records buffered at once.
	MemoryBytes int64
	// QueueSize is the number of routed items buffered per stream.
	QueueSize int
	// FlushSchedule forces buffered records out and flushes committed
	// checkpoints. Defaults to every second.
	FlushSchedule schedule.Schedule
	// DrainAttempts and DrainDelay bound the wait for the final checkpoints.
	DrainAttempts int
	DrainDelay    time.Duration

	Metrics *metrics.Metrics
}

// Run runs a sync to completion. A fatal error aborts the sync and is
// returned, and is also the cause of the failed SyncResult. A sync in which
// only some streams failed returns a failed SyncResult and no error.
func Run(ctx context.Context, opts Options) (syncmanager.SyncResult, error) {
	var m = metrics.OrDiscard(opts.Metrics)
	if opts.MemoryBytes <= 0 {
		return syncmanager.SyncResult{}, fmt.Errorf("memory budget must be positive, not %d", opts.MemoryBytes)
	}

	sm, err := syncmanager.New(opts.Streams)
	if err != nil {
		return syncmanager.SyncResult{}, fmt.Errorf("building sync: %w", err)
	}
	dest, err := destination.New(opts.Destination, sm, m)
	if err != nil {
		return syncmanager.SyncResult{}, err
	}
	if opts.FlushSchedule == nil {
		opts.FlushSchedule = schedule.NewPeriodicSchedule(time.Second)
	}

	var ledgerOpts = []checkpoint.Option{checkpoint.WithMetrics(m)}
	if opts.DrainAttempts != 0 {
		ledgerOpts = append(ledgerOpts, checkpoint.WithDrainRetry(opts.DrainAttempts, opts.DrainDelay))
	}
	// A reader waiting on capacity may be held up by records which shards
	// are buffering, with no checkpoint pending that would flush them.
	var pool = reservation.NewPool(opts.MemoryBytes,
		reservation.WithMetrics(m),
		reservation.WithWaitHook(dest.FlushAll))
	dest.WatchCapacity(pool)
	var ledger = checkpoint.NewLedger(sm, protocol.NewEncoder(opts.Output), ledgerOpts...)

	var routerOpts = []router.Option{router.WithLoaderSetup(dest.Setup), router.WithMetrics(m)}
	if opts.QueueSize > 0 {
		routerOpts = append(routerOpts, router.WithQueueSize(opts.QueueSize))
	}
	var rt = router.New(sm, ledger, pool, routerOpts...)

	log.WithFields(log.Fields{
		"runId":   opts.RunID,
		"streams": len(opts.Streams),
		"memory":  humanize.IBytes(uint64(opts.MemoryBytes)),
		"shards":  opts.Destination.Shards,
	}).Info("starting sync")

	var group, groupCtx = errgroup.WithContext(ctx)
	var flushCtx, cancelFlush = context.WithCancel(groupCtx)
	defer cancelFlush()

	for _, key := range sm.Keys() {
		var queue, err = rt.Queue(key)
		if err != nil {
			return syncmanager.SyncResult{}, err
		}
		group.Go(func() error { return dest.Consume(groupCtx, key, queue) })
	}

	group.Go(func() error {
		return schedule.RunScheduled(flushCtx, opts.FlushSchedule, "flush checkpoints", func(ctx context.Context) error {
			dest.Flush(ledger.NextCheckpointIndexes())
			_, err := ledger.FlushReadyCheckpointMessages(ctx)
			return err
		})
	})

	group.Go(func() error {
		defer cancelFlush()

		if err := readInput(groupCtx, protocol.NewDecoder(opts.Input), rt); err != nil {
			return err
		}
		ok, err := sm.AwaitAllStreamsCompletedSuccessfully(groupCtx)
		if err != nil {
			return err
		} else if !ok {
			// Failed streams will never commit, but others may have.
			_, err = ledger.FlushReadyCheckpointMessages(groupCtx)
			return err
		}
		return ledger.AwaitAllCheckpointsFlushed(groupCtx)
	})

	var fatal = group.Wait()
	if err := closeLoaders(ctx, sm); err != nil {
		log.WithField("error", err).Warn("closing stream loaders")
	}

	if fatal != nil {
		var res, _ = sm.MarkFailed(fatal)
		return res, fatal
	}
	if failed := failedStreams(sm); len(failed) != 0 {
		var names = make([]string, 0, len(failed))
		for _, key := range failed {
			names = append(names, key.String())
		}
		log.WithFields(log.Fields{
			"runId":       opts.RunID,
			"failed":      names,
			"pending":     ledger.Pending(),
			"nextIndexes": byName(ledger.NextCheckpointIndexes()),
			"flushed":     byName(ledger.LastFlushedIndexes()),
		}).Warn("streams failed, leaving their pending checkpoints unemitted")

		var res, _ = sm.MarkFailed(fmt.Errorf("%d of %d streams failed", len(failed), len(opts.Streams)))
		return res, nil
	}
	if _, err := sm.MarkSucceeded(); err != nil {
		var res, _ = sm.MarkFailed(err)
		return res, err
	}

	res, _ := sm.SyncResult()
	log.WithFields(log.Fields{
		"runId":       opts.RunID,
		"checkpoints": byName(ledger.LastFlushedIndexes()),
	}).Info("sync completed")
	return res, nil
}

func readInput(ctx context.Context, dec *protocol.Decoder, rt *router.Router) error {
	for {
		var ev, err = dec.Next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return fmt.Errorf("reading input: %w", err)
		} else if err = rt.Route(ctx, ev); err != nil {
			return err
		}
	}
	return rt.Close()
}

func failedStreams(sm *syncmanager.Manager) []stream.Key {
	var out []stream.Key
	for _, key := range sm.Keys() {
		var tracker, _ = sm.Tracker(key)
		if res, ok := tracker.StreamResult(); ok && !res.Succeeded() {
			out = append(out, key)
		}
	}
	return out
}

// closeLoaders closes every started loader concurrently, telling each
// whether its stream failed.
func closeLoaders(ctx context.Context, sm *syncmanager.Manager) error {
	var ops = make(map[stream.Key]future.OpFuture)
	for key, loader := range sm.StartedLoaders() {
		var tracker, _ = sm.Tracker(key)
		var res, _ = tracker.StreamResult()

		ops[key] = future.RunAsyncOperation(func() error {
			return loader.Close(ctx, res.Err)
		})
	}

	var errs []error
	for key, op := range ops {
		if err := op.Err(); err != nil {
			errs = append(errs, fmt.Errorf("closing loader of stream %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func byName(m map[stream.Key]stream.CheckpointIndex) map[string]stream.CheckpointIndex {
	var out = make(map[string]stream.CheckpointIndex, len(m))
	for k, v := range m {
		out[k.String()] = v
	}
	return out
}
