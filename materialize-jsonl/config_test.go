package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/estuary/loadcore/go/stream"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	var path = writeConfig(t, `
directory: /tmp/out
memory: 64MiB
streams:
  - name: users
  - namespace: shop
    name: orders
advanced:
  shards: 4
  partitionField: /id
  flushSchedule: fixed 1m
  disableCompression: true
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)

	memory, err := cfg.memoryBytes()
	require.NoError(t, err)
	require.Equal(t, int64(64<<20), memory)

	require.Equal(t, []stream.Key{
		{Name: "users"},
		{Namespace: "shop", Name: "orders"},
	}, cfg.streamKeys())

	var dest = cfg.destination("run-1")
	require.Equal(t, "/tmp/out", dest.Dir)
	require.Equal(t, 4, dest.Shards)
	require.Equal(t, "/id", dest.PartitionField)
	require.False(t, dest.Compress)
	require.Equal(t, "run-1", dest.RunID)

	_, err = cfg.flushSchedule([]byte("run-1"))
	require.NoError(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "directory: out\nstreams: [{name: a}]\n"))
	require.NoError(t, err)
	require.Equal(t, defaultMemory, cfg.Memory)
	require.Equal(t, defaultFlushSchedule, cfg.Advanced.FlushSchedule)
	require.True(t, cfg.destination("").Compress)
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		errs []string
	}{
		{
			name: "missing everything",
			body: "memory: 1MiB\n",
			errs: []string{"missing 'directory'", "at least one stream is required"},
		},
		{
			name: "duplicate and unnamed streams",
			body: "directory: out\nstreams: [{name: a}, {name: a}, {namespace: x}]\n",
			errs: []string{"stream a is listed more than once", "stream 2 is missing a name"},
		},
		{
			name: "bad sizes",
			body: "directory: out\nmemory: lots\nstreams: [{name: a}]\nadvanced: {shards: -1, batchRecords: -2}\n",
			errs: []string{`invalid memory "lots"`, "shards must not be negative", "batchRecords must not be negative"},
		},
		{
			name: "bad schedule",
			body: "directory: out\nstreams: [{name: a}]\nadvanced: {flushSchedule: never}\n",
			errs: []string{`invalid flush schedule "never"`},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
			for _, e := range tc.errs {
				require.ErrorContains(t, err, e)
			}
		})
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "directory: out\nstreams: [{name: a}]\nshard: 3\n"))
	require.ErrorContains(t, err, "field shard not found")
}

func TestWriteSpec(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSpec(&buf))

	var schema map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &schema))
	require.Equal(t, "JSONL Load Config", schema["title"])

	var props = schema["properties"].(map[string]any)
	require.Contains(t, props, "directory")
	require.Contains(t, props, "streams")
	require.Contains(t, props, "advanced")
}
