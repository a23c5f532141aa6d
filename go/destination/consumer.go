package destination

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	cerrors "github.com/estuary/loadcore/go/connector-errors"
	"github.com/estuary/loadcore/go/progress"
	"github.com/estuary/loadcore/go/reconcile"
	"github.com/estuary/loadcore/go/reservation"
	"github.com/estuary/loadcore/go/router"
	"github.com/estuary/loadcore/go/stream"
	"github.com/estuary/loadcore/go/writer"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

type shardRecord = reservation.Reserved[router.Record]

type shard struct {
	id       int
	records  chan shardRecord
	flush    chan struct{}
	buffered []shardRecord
	seq      int
}

// closedIndex is the payload of a reconciled state: a checkpoint index of the
// stream and the number of records read for it.
type closedIndex struct {
	index   stream.CheckpointIndex
	records int64
}

type streamConsumer struct {
	d        *Destination
	key      stream.Key
	tracker  *progress.Tracker
	shards   []*shard
	manifest *manifest
	recon    *reconcile.Reconciler[closedIndex]
	current  stream.CheckpointIndex
}

func newStreamConsumer(d *Destination, key stream.Key, tracker *progress.Tracker) *streamConsumer {
	var c = &streamConsumer{
		d:        d,
		key:      key,
		tracker:  tracker,
		manifest: newManifest(filepath.Join(d.StreamDir(key), manifestName)),
		current:  stream.FirstCheckpointIndex,
	}
	c.recon = reconcile.New(int64(stream.FirstCheckpointIndex), c.emitManifest, d.metrics)

	for i := 0; i < d.cfg.Shards; i++ {
		c.shards = append(c.shards, &shard{
			id:      i,
			records: make(chan shardRecord, d.cfg.BatchRecords),
			flush:   make(chan struct{}, 1),
		})
	}
	return c
}

func (c *streamConsumer) stateKey(idx stream.CheckpointIndex) reconcile.StateKey {
	var key = reconcile.StateKey{Ordinal: int64(idx)}
	for _, s := range c.shards {
		key.Partitions = append(key.Partitions, partitionKey(idx, s.id))
	}
	return key
}

func partitionKey(idx stream.CheckpointIndex, shard int) reconcile.PartitionKey {
	return reconcile.PartitionKey(fmt.Sprintf("%d/%d", idx, shard))
}

func (c *streamConsumer) requestFlush() {
	for _, s := range c.shards {
		select {
		case s.flush <- struct{}{}:
		default:
		}
	}
}

func (c *streamConsumer) run(ctx context.Context, queue <-chan router.Item) error {
	var ll = log.WithField("stream", c.key.String())
	var group, groupCtx = errgroup.WithContext(ctx)

	for _, s := range c.shards {
		group.Go(func() error { return c.runShard(groupCtx, s) })
	}

	var eos, routeErr = c.readQueue(groupCtx, queue)
	for _, s := range c.shards {
		close(s.records)
	}
	var failure = group.Wait()
	// Shards which failed or were cancelled leave records behind.
	for _, s := range c.shards {
		for rec := range s.records {
			rec.Release()
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	} else if failure == nil {
		failure = routeErr
	}
	if failure == nil && eos == nil {
		failure = fmt.Errorf("queue closed before end-of-stream")
	}
	if failure == nil {
		failure = c.finish(ctx)
	}
	if cerr := c.manifest.Close(); cerr != nil && failure == nil {
		failure = cerr
	}

	if failure != nil {
		if eos == nil {
			c.drain(ctx, queue)
		}
		ll.WithField("error", failure).Error("stream failed")
		c.tracker.MarkProcessingFailed(failure)
		if cerrors.IsFatal(failure) {
			return failure
		}
		return ctx.Err()
	}

	if _, err := c.tracker.MarkProcessingSucceeded(); err != nil {
		return err
	}
	ll.WithFields(log.Fields{
		"records":  c.tracker.TotalReadCount(),
		"complete": eos.Complete,
	}).Info("stream loaded")
	return nil
}

// readQueue routes records to shards until the end-of-stream marker. It
// returns the marker, or nil if the queue closed or ctx was done first.
func (c *streamConsumer) readQueue(ctx context.Context, queue <-chan router.Item) (*router.Item, error) {
	for {
		select {
		case item, ok := <-queue:
			if !ok {
				return nil, nil
			} else if item.EndOfStream {
				return &item, nil
			} else if err := c.route(ctx, item.Record); err != nil {
				item.Record.Release()
				return nil, err
			}
		case <-ctx.Done():
			return nil, nil
		}
	}
}

func (c *streamConsumer) route(ctx context.Context, rec shardRecord) error {
	if rec.Value.Index < c.current {
		return cerrors.Orderingf("stream %s: record of checkpoint %d after checkpoint %d", c.key, rec.Value.Index, c.current)
	}
	if err := c.closeIndexes(ctx, rec.Value.Index); err != nil {
		return err
	}

	var s = c.shards[c.pickShard(rec.Value)]
	select {
	case s.records <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *streamConsumer) pickShard(rec router.Record) int {
	if len(c.shards) == 1 {
		return 0
	} else if c.d.cfg.PartitionField == "" {
		return int(rec.Position % int64(len(c.shards)))
	}
	var value = gjson.GetBytes(rec.Data, c.d.cfg.PartitionField)
	return int(xxhash.Sum64String(value.Raw) % uint64(len(c.shards)))
}

// closeIndexes closes every checkpoint index before `until`. Their read
// counts are final, since the records of a later checkpoint are being read.
func (c *streamConsumer) closeIndexes(ctx context.Context, until stream.CheckpointIndex) error {
	if until <= c.current {
		return nil
	}
	for ; c.current < until; c.current++ {
		var key = c.stateKey(c.current)
		var records = c.tracker.ReadCount(c.current)

		if err := c.recon.SetExpected(key, records); err != nil {
			return err
		} else if err := c.recon.Add(key, closedIndex{index: c.current, records: records}); err != nil {
			return err
		}
	}
	_, err := c.recon.Reconcile(ctx)
	return err
}

// finish closes the final checkpoint index of the stream, and verifies that
// every record read was accounted for.
func (c *streamConsumer) finish(ctx context.Context) error {
	if err := c.closeIndexes(ctx, c.current+1); err != nil {
		return err
	}
	if n := c.recon.Pending(); n != 0 {
		return fmt.Errorf("%d checkpoint(s) of the stream were not fully written", n)
	} else if !c.tracker.IsBatchProcessingCompleteForCheckpoints() {
		return fmt.Errorf("stream ended with records which were never completed")
	}
	return nil
}

func (c *streamConsumer) drain(ctx context.Context, queue <-chan router.Item) {
	for {
		select {
		case item, ok := <-queue:
			if !ok || item.EndOfStream {
				return
			}
			item.Record.Release()
		case <-ctx.Done():
			return
		}
	}
}

func (c *streamConsumer) runShard(ctx context.Context, s *shard) error {
	defer func() {
		for _, rec := range s.buffered {
			rec.Release()
		}
		s.buffered = nil
	}()

	for {
		select {
		case rec, ok := <-s.records:
			if !ok {
				return c.flushShard(ctx, s)
			}
			s.buffered = append(s.buffered, rec)
			if len(s.buffered) >= c.d.cfg.BatchRecords || c.d.capacityWanted() {
				if err := c.flushShard(ctx, s); err != nil {
					return err
				}
			}
		case <-s.flush:
			if err := c.flushShard(ctx, s); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flushShard writes the buffered records of a shard to a new file, and then
// reports them as persisted, frees them, and reports them as complete.
func (c *streamConsumer) flushShard(ctx context.Context, s *shard) error {
	if len(s.buffered) == 0 {
		return nil
	}
	var start = time.Now()

	if _, err := c.d.sync.EnsureStreamLoader(ctx, c.key, c.d.Setup); err != nil {
		return err
	}

	var counts = make(map[stream.CheckpointIndex]stream.CheckpointValue)
	var path, rows, err = c.writeFile(s, counts)
	if err != nil {
		return err
	}

	if err := c.tracker.IncrementCheckpointCounts(stream.StagePersisted, counts); err != nil {
		return err
	}
	for _, rec := range s.buffered {
		rec.Release()
	}
	s.buffered = s.buffered[:0]
	if err := c.tracker.IncrementCheckpointCounts(stream.StageComplete, counts); err != nil {
		return err
	}

	var hist = make(reconcile.Histogram, len(counts))
	for idx, v := range counts {
		hist[partitionKey(idx, s.id)] = v.Accounted()
		if v.Records != 0 {
			c.manifest.addFile(idx, filepath.Base(path))
		}
	}
	c.recon.Flushed(hist)

	log.WithFields(log.Fields{
		"stream": c.key.String(),
		"shard":  s.id,
		"file":   path,
		"rows":   rows,
		"took":   time.Since(start).String(),
	}).Debug("flushed shard")

	if _, err := c.recon.Reconcile(ctx); err != nil {
		return err
	}
	return nil
}

func (c *streamConsumer) writeFile(s *shard, counts map[stream.CheckpointIndex]stream.CheckpointValue) (string, int, error) {
	var name = fmt.Sprintf("%s-%03d-%06d.jsonl", c.d.cfg.RunID, s.id, s.seq)
	var opts []writer.Option
	if c.d.cfg.Compress {
		name += ".gz"
	} else {
		opts = append(opts, writer.WithoutCompression())
	}
	var path = filepath.Join(c.d.StreamDir(c.key), name)
	s.seq++

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("creating %s: %w", path, err)
	}
	var w = writer.NewJSONLWriter(&syncingFile{f}, opts...)

	for _, rec := range s.buffered {
		var v = counts[rec.Value.Index]
		if !gjson.ValidBytes(rec.Value.Data) {
			v.RejectedRecords++
		} else if err := w.Write(writer.Row{
			Stream:     c.key.String(),
			Checkpoint: int64(rec.Value.Index),
			Position:   rec.Value.Position,
			RunID:      c.d.cfg.RunID,
			Data:       rec.Value.Data,
		}); err != nil {
			return "", 0, errors.Join(err, w.Close())
		} else {
			v.Records++
			v.SerializedBytes += int64(len(rec.Value.Data))
		}
		counts[rec.Value.Index] = v
	}
	if err := w.Close(); err != nil {
		return "", 0, fmt.Errorf("writing %s: %w", path, err)
	}

	if w.Rows() == 0 {
		if err := os.Remove(path); err != nil {
			return "", 0, fmt.Errorf("removing empty file %s: %w", path, err)
		}
	}
	return path, w.Rows(), nil
}

// syncingFile makes a file durable before closing it.
type syncingFile struct{ *os.File }

func (f *syncingFile) Close() error {
	if err := f.File.Sync(); err != nil {
		f.File.Close()
		return err
	}
	return f.File.Close()
}

func (c *streamConsumer) emitManifest(_ context.Context, _ reconcile.StateKey, ci closedIndex) error {
	return c.manifest.write(ci)
}
