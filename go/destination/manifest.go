package destination

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/estuary/loadcore/go/stream"
	"github.com/segmentio/encoding/json"
)

const manifestName = "_manifest.jsonl"

// ManifestEntry is a line of a stream's manifest. It is written once every
// record of the checkpoint is in the listed files, and entries are written in
// checkpoint order.
type ManifestEntry struct {
	Checkpoint stream.CheckpointIndex `json:"checkpoint"`
	Records    int64                  `json:"records"`
	Files      []string               `json:"files"`
}

type manifest struct {
	path string

	mu    sync.Mutex
	f     *os.File
	files map[stream.CheckpointIndex][]string
}

func newManifest(path string) *manifest {
	return &manifest{path: path, files: make(map[stream.CheckpointIndex][]string)}
}

func (m *manifest) addFile(idx stream.CheckpointIndex, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(m.files[idx], name) {
		m.files[idx] = append(m.files[idx], name)
	}
}

func (m *manifest) write(ci closedIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var files = m.files[ci.index]
	delete(m.files, ci.index)

	if ci.records == 0 && len(files) == 0 {
		return nil
	}
	slices.Sort(files)

	if m.f == nil {
		var f, err = os.OpenFile(m.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening manifest: %w", err)
		}
		m.f = f
	}

	var b, err = json.Marshal(ManifestEntry{Checkpoint: ci.index, Records: ci.records, Files: files})
	if err != nil {
		return fmt.Errorf("encoding manifest entry: %w", err)
	}
	if _, err := m.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	} else if err := m.f.Sync(); err != nil {
		return fmt.Errorf("syncing manifest: %w", err)
	}
	return nil
}

// Close closes the manifest file, if it was opened.
func (m *manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.f == nil {
		return nil
	}
	var err = m.f.Close()
	m.f = nil
	return err
}

// ReadManifest returns the entries of a stream's manifest.
func ReadManifest(path string) ([]ManifestEntry, error) {
	var b, err = os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var out []ManifestEntry
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var e ManifestEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parsing manifest entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
