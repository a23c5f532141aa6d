package writer

import (
	"compress/flate"
	"fmt"
	"io"

	"github.com/klauspost/pgzip"
	"github.com/segmentio/encoding/json"
)

// JSON compresses well at the fastest level, and higher levels mostly cost CPU.
const jsonCompressionLevel = flate.BestSpeed

// DefaultFileSizeLimit is the size at which loaders roll over to a new file.
const DefaultFileSizeLimit = 250 * 1024 * 1024

// Row is one loaded record, with the metadata locating it in its sync.
type Row struct {
	Stream     string          `json:"_stream"`
	Checkpoint int64           `json:"_checkpoint"`
	Position   int64           `json:"_position"`
	RunID      string          `json:"_run_id,omitempty"`
	Data       json.RawMessage `json:"data"`
}

type config struct {
	disableCompression bool
}

// Option configures a JSONLWriter.
type Option func(*config)

// WithoutCompression writes plain rather than gzipped JSON lines.
func WithoutCompression() Option {
	return func(cfg *config) { cfg.disableCompression = true }
}

// JSONLWriter writes Rows as JSON lines, optionally gzipped.
type JSONLWriter struct {
	w    io.Writer // `gz` when compressing, or `cwc` otherwise
	cwc  *countingWriteCloser
	gz   *pgzip.Writer
	buf  []byte
	rows int
}

// NewJSONLWriter returns a JSONLWriter over w, which is closed when the
// JSONLWriter is closed.
func NewJSONLWriter(w io.WriteCloser, opts ...Option) *JSONLWriter {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}

	var jw = &JSONLWriter{cwc: &countingWriteCloser{w: w}}
	if cfg.disableCompression {
		jw.w = jw.cwc
	} else {
		gz, err := pgzip.NewWriterLevel(jw.cwc, jsonCompressionLevel)
		if err != nil {
			panic("invalid compression level for pgzip.NewWriterLevel")
		}
		jw.gz, jw.w = gz, gz
	}
	return jw
}

// Write appends one row.
func (w *JSONLWriter) Write(row Row) (err error) {
	if len(row.Data) == 0 {
		row.Data = json.RawMessage("null")
	}
	// Record documents were already parsed from the input, so they're trusted
	// to be valid. HTML is left unescaped.
	if w.buf, err = json.Append(w.buf[:0], row, json.TrustRawMessage); err != nil {
		return fmt.Errorf("encoding row: %w", err)
	}
	w.buf = append(w.buf, '\n')

	if _, err := w.w.Write(w.buf); err != nil {
		return fmt.Errorf("writing row: %w", err)
	}
	w.rows++
	return nil
}

// Written is the number of bytes written to the underlying writer so far.
// With compression, bytes buffered by the compressor are not yet counted.
func (w *JSONLWriter) Written() int { return w.cwc.written }

// Rows is the number of rows written.
func (w *JSONLWriter) Rows() int { return w.rows }

// Close flushes any compressed data and closes the underlying writer.
func (w *JSONLWriter) Close() error {
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return fmt.Errorf("closing gzip writer: %w", err)
		}
	}
	if err := w.cwc.Close(); err != nil {
		return fmt.Errorf("closing counting writer: %w", err)
	}
	return nil
}

type countingWriteCloser struct {
	written int
	w       io.WriteCloser
}

func (c *countingWriteCloser) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.written += n
	return n, err
}

func (c *countingWriteCloser) Close() error {
	return c.w.Close()
}
