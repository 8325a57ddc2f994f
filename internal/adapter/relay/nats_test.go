package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"taxistream/internal/domain/stream"
)

type fakeConn struct {
	mu      sync.Mutex
	msgs    []*nats.Msg
	flushes int
	err     error
}

func (c *fakeConn) PublishMsg(m *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *fakeConn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return nil
}

func TestNATSRelay_Completed(t *testing.T) {
	conn := &fakeConn{}
	r := NewNATSRelay(conn, "trips", zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, r.HandleRecord(ctx, stream.NewRecord(1, []string{"a", "b"})))
	require.NoError(t, r.HandleRecord(ctx, stream.NewRecord(2, []string{"c"})))
	r.HandleEnd(ctx, nil)

	require.Len(t, conn.msgs, 3)
	assert.Equal(t, "trips.records", conn.msgs[0].Subject)
	assert.Equal(t, "a,b", string(conn.msgs[0].Data))
	assert.Equal(t, "1", conn.msgs[0].Header.Get(HeaderSeq))
	assert.Equal(t, "2", conn.msgs[1].Header.Get(HeaderSeq))

	assert.Equal(t, "trips.completed", conn.msgs[2].Subject)
	assert.Equal(t, "2", conn.msgs[2].Header.Get(HeaderCount))
	assert.Equal(t, 1, conn.flushes)
	assert.Equal(t, uint64(2), r.Published())
}

func TestNATSRelay_Failed(t *testing.T) {
	conn := &fakeConn{}
	r := NewNATSRelay(conn, "trips", zaptest.NewLogger(t))

	r.HandleEnd(context.Background(), errors.New("line 9: bad utf-8"))

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "trips.failed", conn.msgs[0].Subject)
	assert.Equal(t, "line 9: bad utf-8", string(conn.msgs[0].Data))
}

func TestNATSRelay_StoppedPublishesNothing(t *testing.T) {
	conn := &fakeConn{}
	r := NewNATSRelay(conn, "trips", zaptest.NewLogger(t))

	r.HandleEnd(context.Background(), stream.ErrSubscriptionClosed)
	r.HandleEnd(context.Background(), context.Canceled)

	assert.Empty(t, conn.msgs)
	assert.Equal(t, 0, conn.flushes)
}

func TestNATSRelay_PublishError(t *testing.T) {
	conn := &fakeConn{err: nats.ErrConnectionClosed}
	r := NewNATSRelay(conn, "trips", zaptest.NewLogger(t))

	err := r.HandleRecord(context.Background(), stream.NewRecord(5, []string{"x"}))
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
	assert.Equal(t, uint64(0), r.Published())
}
