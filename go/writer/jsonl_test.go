package writer

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

type nopWriteCloser struct {
	io.Writer
	closed bool
}

func (n *nopWriteCloser) Close() error {
	n.closed = true
	return nil
}

var testRows = []Row{
	{Stream: "public.users", Checkpoint: 1, Position: 0, RunID: "run", Data: json.RawMessage(`{"id":1,"name":"<a&b>"}`)},
	{Stream: "public.users", Checkpoint: 2, Position: 1, Data: nil},
}

const wantLines = `{"_stream":"public.users","_checkpoint":1,"_position":0,"_run_id":"run","data":{"id":1,"name":"<a&b>"}}
{"_stream":"public.users","_checkpoint":2,"_position":1,"data":null}
`

func TestJSONLWriterPlain(t *testing.T) {
	var buf bytes.Buffer
	sink := &nopWriteCloser{Writer: &buf}
	w := NewJSONLWriter(sink, WithoutCompression())

	for _, row := range testRows {
		require.NoError(t, w.Write(row))
	}
	require.Equal(t, 2, w.Rows())
	require.Equal(t, len(wantLines), w.Written())
	require.NoError(t, w.Close())
	require.True(t, sink.closed)
	require.Equal(t, wantLines, buf.String())
}

func TestJSONLWriterCompressed(t *testing.T) {
	var buf bytes.Buffer
	sink := &nopWriteCloser{Writer: &buf}
	w := NewJSONLWriter(sink)

	for _, row := range testRows {
		require.NoError(t, w.Write(row))
	}
	require.NoError(t, w.Close())
	require.Equal(t, buf.Len(), w.Written())

	r, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, wantLines, string(got))
}
