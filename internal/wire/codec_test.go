package wire

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := &ExecSQL{
		SessionId: 7,
		Seq:       3,
		Sql:       []byte("SELECT 1"),
		Hint:      "ignore_index()",
		Streaming: true,
	}

	require.NoError(t, WriteFrame(&buf, TypeExecSQL, msg))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TypeExecSQL, f.Type)

	var got ExecSQL
	require.NoError(t, f.Decode(&got))
	if diff := cmp.Diff(*msg, got); diff != "" {
		t.Fatalf("round-tripped message differs (-want +got):\n%s", diff)
	}
}

func TestReadFrameRejectsOutOfBoundsLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x00})

	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestReadFrameShortBody(t *testing.T) {
	var buf bytes.Buffer
	// length says 10 bytes follow but the reader only has 2
	buf.Write([]byte{0x00, 0x00, 0x00, 0x0A, 0x01, 0x02})

	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TypeOK, &OK{SessionId: 1, Seq: 1, AffectedRows: 1}))
	require.NoError(t, WriteFrame(&buf, TypeEOF, &EOF{SessionId: 1, Seq: 2, RowCount: 5}))

	f1, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TypeOK, f1.Type)

	f2, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TypeEOF, f2.Type)
}
