package sshx

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpautohealer/backend/internal/errs"
)

func testConn(serverID string) *PooledConn {
	return newPooledConn(serverID, ConnConfig{Hostname: serverID + ".example.com", Port: 22, Username: "deploy"}, nil)
}

// newPooledConn with a nil client starts disconnected; flip the flag so the
// pool treats the stub as a live connection.
func liveConn(serverID string) *PooledConn {
	c := testConn(serverID)
	c.connected = true
	return c
}

func TestPool_AddGetRelease(t *testing.T) {
	p := NewPool(10, time.Minute)
	defer p.CloseAll()

	conn := liveConn("srv-1")
	require.NoError(t, p.Add(conn))

	got := p.Get("srv-1")
	require.NotNil(t, got)
	assert.Equal(t, conn.ID, got.ID)

	assert.Nil(t, p.Get("srv-unknown"))

	p.Release(conn.ID)
	s := p.Stats()
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, 1, s.Idle)
}

func TestPool_FullPoolEvictsIdleFirst(t *testing.T) {
	p := NewPool(2, time.Minute)
	defer p.CloseAll()

	a := liveConn("srv-a")
	b := liveConn("srv-b")
	require.NoError(t, p.Add(a))
	require.NoError(t, p.Add(b))
	p.Release(a.ID) // a becomes idle, b stays active

	c := liveConn("srv-c")
	require.NoError(t, p.Add(c), "idle connection should be evicted to admit a new one")

	s := p.Stats()
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, 1, s.Evictions)
	assert.Nil(t, p.Get("srv-a"), "evicted server no longer pooled")
}

func TestPool_FullPoolAllActiveFails(t *testing.T) {
	p := NewPool(2, time.Minute)
	defer p.CloseAll()

	require.NoError(t, p.Add(liveConn("srv-a")))
	require.NoError(t, p.Add(liveConn("srv-b")))

	err := p.Add(liveConn("srv-c"))
	require.Error(t, err)
	var pe *errs.PoolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "pool full", pe.Msg)
	assert.Equal(t, 2, pe.Size)
	assert.Equal(t, 2, pe.Active)
}

func TestPool_CapNeverExceeded(t *testing.T) {
	p := NewPool(5, time.Minute)
	defer p.CloseAll()

	for i := 0; i < 20; i++ {
		conn := liveConn(fmt.Sprintf("srv-%d", i))
		if err := p.Add(conn); err == nil {
			p.Release(conn.ID)
		}
		assert.LessOrEqual(t, p.Stats().Size, 5)
	}
}

func TestPool_SameServerReplaces(t *testing.T) {
	p := NewPool(10, time.Minute)
	defer p.CloseAll()

	first := liveConn("srv-1")
	require.NoError(t, p.Add(first))
	second := liveConn("srv-1")
	require.NoError(t, p.Add(second))

	got := p.Get("srv-1")
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)
	assert.Nil(t, p.Lookup(first.ID), "replaced connection is gone")
	assert.Equal(t, 1, p.Stats().Size)
}

func TestPool_IdleEviction(t *testing.T) {
	p := NewPool(10, 10*time.Millisecond)
	defer p.CloseAll()

	conn := liveConn("srv-1")
	require.NoError(t, p.Add(conn))
	p.Release(conn.ID)

	time.Sleep(20 * time.Millisecond)
	p.evictExpired()

	assert.Equal(t, 0, p.Stats().Size, "idle connection evicted after max idle time")
	assert.Nil(t, p.Lookup(conn.ID))
}

func TestPool_InUseNotEvicted(t *testing.T) {
	p := NewPool(10, 10*time.Millisecond)
	defer p.CloseAll()

	conn := liveConn("srv-1")
	require.NoError(t, p.Add(conn)) // stays in use

	time.Sleep(20 * time.Millisecond)
	p.evictExpired()

	assert.Equal(t, 1, p.Stats().Size, "active connections survive cleanup")
}

func TestPool_CloseAllStopsCleanup(t *testing.T) {
	p := NewPool(10, time.Minute)
	require.NoError(t, p.Add(liveConn("srv-1")))

	done := make(chan struct{})
	go func() {
		p.CloseAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CloseAll did not return")
	}
	assert.Equal(t, 0, p.Stats().Size)
}
