package loom

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrpc/loom/internal/wire"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	header := toWireHeader(RRID{Whence: 1, ID: 2, Where: 3}, RRID{Whence: 4, ID: 5, Where: 6})
	body := &wire.CallMsg{Func: "loom_test.echo", Args: []interface{}{1, "two"}}

	require.NoError(t, writeFrame(&buf, header, body))

	gotHeader, gotBody, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, header, gotHeader)
	gotCall, ok := gotBody.(*wire.CallMsg)
	require.True(t, ok)
	assert.Equal(t, "loom_test.echo", gotCall.Func)
}

func TestReadFrameResyncsAfterUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	header := toWireHeader(RRID{}, RRID{})
	require.NoError(t, writeHeaderFields(&buf, header))
	// An unknown tag byte can't be sized, so readFrame must resync on
	// the boundary marker immediately rather than attempt to decode.
	buf.Write([]byte{0xFE})
	buf.Write([]byte{0x11, 0x22, 0x33})
	buf.Write(wire.BoundaryMarker[:])
	require.NoError(t, writeFrame(&buf, header, &wire.RemoteDoMsg{Func: "loom_test.second"}))

	r := bufio.NewReader(&buf)
	_, _, err := readFrame(r)
	assert.Equal(t, errBodyDecodeFailed, err)

	_, body, err := readFrame(r)
	require.NoError(t, err)
	do, ok := body.(*wire.RemoteDoMsg)
	require.True(t, ok)
	assert.Equal(t, "loom_test.second", do.Func)
}

func TestFromWireRRIDNil(t *testing.T) {
	assert.True(t, fromWireRRID(wire.IntRRID{}).IsNil())
}

func TestAllocBodyUnknownTag(t *testing.T) {
	_, err := allocBody(0xFE)
	require.Error(t, err)
}
