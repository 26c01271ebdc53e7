package walrecord

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)

	off1, err := w.WriteRecord([]byte("begin_checkpoint lsn=1"))
	require.NoError(t, err)
	require.Equal(t, int64(0), off1)

	off2, err := w.WriteRecord([]byte("end_checkpoint lsn=1"))
	require.NoError(t, err)
	require.Greater(t, off2, off1)
	require.Equal(t, off2, w.LastRecordOffset())

	r := NewReader(&buf)
	rec1, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "begin_checkpoint lsn=1", string(rec1))

	rec2, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "end_checkpoint lsn=1", string(rec2))

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestCorruptRecordDetected(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)
	_, err := w.WriteRecord([]byte("payload"))
	require.NoError(t, err)

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff // flip a payload byte

	r := NewReader(bytes.NewReader(raw))
	_, err = r.Next()
	require.ErrorIs(t, err, ErrCorrupt)
}
