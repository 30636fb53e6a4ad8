//go:build linux

package pbench

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alarmfox/woonsocket/internal/work"
)

func TestUserData(t *testing.T) {
	for _, fd := range []int{0, 3, 1 << 20, 1<<31 - 1} {
		for _, op := range []uint8{opAccept, opRecv, opSend, opWake} {
			gotFd, gotOp := splitUserData(userData(fd, op))
			assert.Equal(t, fd, gotFd)
			assert.Equal(t, op, gotOp)
		}
	}
}

func encodeRequests(t *testing.T, ids ...uint64) []byte {
	t.Helper()
	var stream []byte
	for _, id := range ids {
		msg, err := Request{ID: id, Work: work.Immediate()}.MarshalBinary()
		require.NoError(t, err)
		stream, err = AppendFrame(stream, msg)
		require.NoError(t, err)
	}
	return stream
}

func decodeQueued(t *testing.T, c *ringConn) []uint64 {
	t.Helper()
	var ids []uint64
	for _, frame := range c.sends {
		msg, n, err := Reassemble(*frame)
		require.NoError(t, err)
		require.Equal(t, len(*frame), n)
		var resp Response
		require.NoError(t, resp.UnmarshalBinary(msg))
		ids = append(ids, resp.ID)
	}
	return ids
}

func TestRingDrainRequestsKeepsPartialMessage(t *testing.T) {
	r := &ringReactor{logger: zap.NewNop()}
	c := &ringConn{fd: -1}

	stream := encodeRequests(t, 1, 2, 3)
	c.in = append(c.in, stream[:2*ChunkSize+40]...)
	r.drainRequests(c)

	assert.Equal(t, []uint64{1, 2}, decodeQueued(t, c))
	assert.Len(t, c.in, 40)

	c.in = append(c.in, stream[2*ChunkSize+40:]...)
	r.drainRequests(c)
	assert.Equal(t, []uint64{1, 2, 3}, decodeQueued(t, c))
	assert.Empty(t, c.in)
	assert.False(t, c.broken)
}

func TestRingDrainRequestsBadFrame(t *testing.T) {
	r := &ringReactor{logger: zap.NewNop()}
	c := &ringConn{fd: -1}

	c.in = append(encodeRequests(t, 7), make([]byte, ChunkSize)...)
	c.in[ChunkSize] = 0xff
	r.drainRequests(c)

	assert.True(t, c.broken)
	assert.Equal(t, []uint64{7}, decodeQueued(t, c))
}

func TestRingConnFinished(t *testing.T) {
	c := &ringConn{}
	assert.False(t, c.finished())
	c.eof = true
	assert.True(t, c.finished())
	c.sends = append(c.sends, new([]byte))
	assert.False(t, c.finished())
	c.broken = true
	assert.True(t, c.finished())
	c.recvPending = true
	assert.True(t, c.pending())
}
