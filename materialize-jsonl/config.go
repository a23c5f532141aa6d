package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	cerrors "github.com/estuary/loadcore/go/connector-errors"
	"github.com/estuary/loadcore/go/destination"
	"github.com/estuary/loadcore/go/schedule"
	"github.com/estuary/loadcore/go/stream"
	"gopkg.in/yaml.v3"
)

const (
	defaultMemory        = "256MiB"
	defaultFlushSchedule = "1s"
)

type streamConfig struct {
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty" jsonschema:"title=Namespace,description=Namespace of the stream. Optional."`
	Name      string `json:"name" yaml:"name" jsonschema:"title=Name,description=Name of the stream."`
}

type advancedConfig struct {
	Shards             int    `json:"shards,omitempty" yaml:"shards,omitempty" jsonschema:"title=Shards,description=Concurrent writers per stream.,default=1"`
	PartitionField     string `json:"partitionField,omitempty" yaml:"partitionField,omitempty" jsonschema:"title=Partition Field,description=Path of the record field which picks the writer of a record. Records are spread by position if unset."`
	BatchRecords       int    `json:"batchRecords,omitempty" yaml:"batchRecords,omitempty" jsonschema:"title=Batch Records,description=Records each writer buffers before writing a file.,default=1000"`
	FlushSchedule      string `json:"flushSchedule,omitempty" yaml:"flushSchedule,omitempty" jsonschema:"title=Flush Schedule,description=How often to force buffered records out and emit committed checkpoints. A duration like '5s'\\, or 'fixed 1m' to align flushes to the clock.,default=1s"`
	DisableCompression bool `json:"disableCompression,omitempty" yaml:"disableCompression,omitempty" jsonschema:"title=Disable Compression,description=Write plain rather than gzipped files."`
}

type config struct {
	Directory string         `json:"directory" yaml:"directory" jsonschema:"title=Directory,description=Root directory of loaded files." jsonschema_extras:"order=0"`
	Memory    string         `json:"memory,omitempty" yaml:"memory,omitempty" jsonschema:"title=Memory,description=Bound on the bytes of records buffered at once. Accepts sizes like '512MiB'.,default=256MiB" jsonschema_extras:"order=1"`
	Streams   []streamConfig `json:"streams" yaml:"streams" jsonschema:"title=Streams,description=Streams of the sync." jsonschema_extras:"order=2"`
	Advanced  advancedConfig `json:"advanced,omitempty" yaml:"advanced,omitempty" jsonschema:"title=Advanced Options" jsonschema_extras:"advanced=true"`
}

func loadConfig(path string) (*config, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, cerrors.NewUserError(err, fmt.Sprintf("could not read config file %q", path))
	}

	var cfg config
	var dec = yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, cerrors.NewUserError(err, fmt.Sprintf("config file %q is invalid: %s", path, err))
	}
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *config) setDefaults() {
	if c.Memory == "" {
		c.Memory = defaultMemory
	}
	if c.Advanced.FlushSchedule == "" {
		c.Advanced.FlushSchedule = defaultFlushSchedule
	}
}

// Validate checks the config, reporting every problem at once.
func (c *config) Validate() error {
	var errs = &cerrors.PrereqErr{}

	if c.Directory == "" {
		errs.Err(fmt.Errorf("missing 'directory'"))
	}
	if _, err := c.memoryBytes(); err != nil {
		errs.Err(err)
	}
	if len(c.Streams) == 0 {
		errs.Err(fmt.Errorf("at least one stream is required"))
	}
	var seen = make(map[stream.Key]bool)
	for i, s := range c.Streams {
		var key = stream.Key{Namespace: s.Namespace, Name: s.Name}
		if s.Name == "" {
			errs.Err(fmt.Errorf("stream %d is missing a name", i))
		} else if seen[key] {
			errs.Err(fmt.Errorf("stream %s is listed more than once", key))
		}
		seen[key] = true
	}
	if c.Advanced.Shards < 0 {
		errs.Err(fmt.Errorf("shards must not be negative"))
	}
	if c.Advanced.BatchRecords < 0 {
		errs.Err(fmt.Errorf("batchRecords must not be negative"))
	}
	if _, err := schedule.Parse(c.Advanced.FlushSchedule, nil); err != nil {
		errs.Err(err)
	}

	if errs.Len() != 0 {
		return errs
	}
	return nil
}

func (c *config) memoryBytes() (int64, error) {
	var n, err = humanize.ParseBytes(c.Memory)
	if err != nil {
		return 0, fmt.Errorf("invalid memory %q: %w", c.Memory, err)
	} else if n == 0 {
		return 0, fmt.Errorf("memory must be positive")
	}
	return int64(n), nil
}

func (c *config) streamKeys() []stream.Key {
	var out = make([]stream.Key, 0, len(c.Streams))
	for _, s := range c.Streams {
		out = append(out, stream.Key{Namespace: s.Namespace, Name: s.Name})
	}
	return out
}

func (c *config) flushSchedule(seed []byte) (schedule.Schedule, error) {
	return schedule.Parse(c.Advanced.FlushSchedule, seed)
}

func (c *config) destination(runID string) destination.Config {
	return destination.Config{
		Dir:            c.Directory,
		Shards:         c.Advanced.Shards,
		PartitionField: c.Advanced.PartitionField,
		BatchRecords:   c.Advanced.BatchRecords,
		Compress:       !c.Advanced.DisableCompression,
		RunID:          runID,
	}
}
