// Package destination is a reference write path which loads routed records
// into JSON-lines files, sharding each stream across concurrent writers.
package destination

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/estuary/loadcore/go/metrics"
	"github.com/estuary/loadcore/go/router"
	"github.com/estuary/loadcore/go/stream"
	"github.com/estuary/loadcore/go/syncmanager"
	log "github.com/sirupsen/logrus"
)

// Config of a Destination.
type Config struct {
	// Dir is the root directory of loaded files. Each stream gets its own
	// subdirectory.
	Dir string
	// Shards is the number of concurrent writers per stream.
	Shards int
	// PartitionField is a path into record documents whose value picks the
	// shard of a record. If empty, records are spread by position.
	PartitionField string
	// BatchRecords is the number of records a shard buffers before writing
	// them out.
	BatchRecords int
	// Compress files with gzip.
	Compress bool
	// RunID prefixes the names of files, and is stamped on every row.
	RunID string
}

func (c *Config) withDefaults() {
	if c.Shards < 1 {
		c.Shards = 1
	}
	if c.BatchRecords < 1 {
		c.BatchRecords = 1000
	}
}

// Destination loads the streams of one sync.
type Destination struct {
	cfg     Config
	sync    *syncmanager.Manager
	metrics *metrics.Metrics

	capacity Capacity

	mu     sync.Mutex
	active map[stream.Key]*streamConsumer
}

// Capacity reports readers waiting on the capacity held by buffered records.
// It's satisfied by *reservation.Pool.
type Capacity interface {
	Waiting() int64
}

// New returns a Destination for the sync.
func New(cfg Config, sm *syncmanager.Manager, m *metrics.Metrics) (*Destination, error) {
	cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("destination directory is required")
	}
	return &Destination{
		cfg:     cfg,
		sync:    sm,
		metrics: metrics.OrDiscard(m),
		active:  make(map[stream.Key]*streamConsumer),
	}, nil
}

// WatchCapacity makes shards write out their records as they arrive, rather
// than in batches, while c has waiting readers. It must be called before
// streams are consumed.
func (d *Destination) WatchCapacity(c Capacity) { d.capacity = c }

func (d *Destination) capacityWanted() bool {
	return d.capacity != nil && d.capacity.Waiting() != 0
}

// StreamDir is the directory files of the stream are written to.
func (d *Destination) StreamDir(key stream.Key) string {
	return filepath.Join(d.cfg.Dir, key.Namespace, key.Name)
}

// ManifestPath is the manifest of checkpoints written for the stream.
func (d *Destination) ManifestPath(key stream.Key) string {
	return filepath.Join(d.StreamDir(key), manifestName)
}

type streamLoader struct {
	key stream.Key
	dir string
}

func (l *streamLoader) Close(_ context.Context, streamFailure error) error {
	var ll = log.WithFields(log.Fields{"stream": l.key.String(), "dir": l.dir})
	if streamFailure != nil {
		ll.WithField("error", streamFailure).Warn("closing loader of failed stream")
	} else {
		ll.Debug("closing stream loader")
	}
	return nil
}

// Setup prepares the directory of a stream. It's run once per stream, before
// its first record.
func (d *Destination) Setup(_ context.Context, key stream.Key) (syncmanager.StreamLoader, error) {
	var dir = d.StreamDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory for stream %s: %w", key, err)
	}
	log.WithFields(log.Fields{"stream": key.String(), "dir": dir}).Info("set up stream loader")
	return &streamLoader{key: key, dir: dir}, nil
}

// Consume loads the items of a stream's queue until its end-of-stream, and
// then sets the stream's result. A failure to load the stream fails only the
// stream: it is recorded in the stream's result and Consume returns nil after
// draining the queue. Consume returns an error only if ctx is done, or if the
// failure is a fatal contract violation such as an out-of-order record.
func (d *Destination) Consume(ctx context.Context, key stream.Key, queue <-chan router.Item) error {
	tracker, err := d.sync.Tracker(key)
	if err != nil {
		return err
	}
	var c = newStreamConsumer(d, key, tracker)

	d.mu.Lock()
	d.active[key] = c
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.active, key)
		d.mu.Unlock()
	}()

	return c.run(ctx, queue)
}

// Flush asks the shards of each listed stream to write out what they have
// buffered, so that pending checkpoints of those streams can commit.
func (d *Destination) Flush(indexes map[stream.Key]stream.CheckpointIndex) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key := range indexes {
		if c, ok := d.active[key]; ok {
			c.requestFlush()
		}
	}
}

// FlushAll asks the shards of every active stream to write out what they have
// buffered, releasing the capacity reserved by buffered records. It doesn't
// block, and is called when a reader is waiting on capacity.
func (d *Destination) FlushAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range d.active {
		c.requestFlush()
	}
}
