package loom

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteChannelLocalPutTake(t *testing.T) {
	pg := newTestProcessGroup(1)
	rc := NewRemoteChannel(pg, pg.self, Unbounded)

	require.NoError(t, rc.Put(context.Background(), pg, "a"))
	require.NoError(t, rc.Put(context.Background(), pg, "b"))
	assert.True(t, rc.IsReady(pg))

	v, err := rc.Fetch(context.Background(), pg)
	require.NoError(t, err)
	assert.Equal(t, "a", v, "Fetch must peek without consuming")

	v, err = rc.Take(context.Background(), pg)
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	v, err = rc.Take(context.Background(), pg)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	assert.True(t, rc.IsEmpty(pg))
}

func TestRemoteChannelRRID(t *testing.T) {
	pg := newTestProcessGroup(1)
	rc := NewRemoteChannel(pg, pg.self, Unbounded)
	assert.False(t, rc.RRID().IsNil())
}

func TestRemoteChannelCloseThenIterate(t *testing.T) {
	pg := newTestProcessGroup(1)
	rc := NewRemoteChannel(pg, pg.self, Unbounded)

	require.NoError(t, rc.Put(context.Background(), pg, 1))
	require.NoError(t, rc.Put(context.Background(), pg, 2))
	require.NoError(t, rc.Close(pg))
	assert.False(t, rc.IsOpen(pg))

	var seen []interface{}
	err := rc.Iterate(context.Background(), pg, func(v interface{}) bool {
		seen = append(seen, v)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1, 2}, seen)
}

func TestRemoteChannelIterateStopsEarly(t *testing.T) {
	pg := newTestProcessGroup(1)
	rc := NewRemoteChannel(pg, pg.self, Unbounded)
	require.NoError(t, rc.Put(context.Background(), pg, 1))
	require.NoError(t, rc.Put(context.Background(), pg, 2))

	var seen []interface{}
	err := rc.Iterate(context.Background(), pg, func(v interface{}) bool {
		seen = append(seen, v)
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1}, seen)
}

func TestUnbufferedRemoteChannelRendezvous(t *testing.T) {
	pg := newTestProcessGroup(1)
	rc := NewRemoteChannel(pg, pg.self, Unbuffered)

	putDone := make(chan struct{})
	go func() {
		require.NoError(t, rc.Put(context.Background(), pg, "handoff"))
		close(putDone)
	}()

	select {
	case <-putDone:
		t.Fatal("Put on an unbuffered channel returned before a Take received it")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := rc.Take(context.Background(), pg)
	require.NoError(t, err)
	assert.Equal(t, "handoff", v)

	select {
	case <-putDone:
	case <-time.After(time.Second):
		t.Fatal("Put never returned once its value was taken")
	}
}

func TestBoundedRemoteChannelBackpressure(t *testing.T) {
	pg := newTestProcessGroup(1)
	rc := NewRemoteChannel(pg, pg.self, ChannelCapacity(1))
	require.NoError(t, rc.Put(context.Background(), pg, "first"))

	putDone := make(chan struct{})
	go func() {
		require.NoError(t, rc.Put(context.Background(), pg, "second"))
		close(putDone)
	}()

	select {
	case <-putDone:
		t.Fatal("Put on a full bounded channel returned before room freed up")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := rc.Take(context.Background(), pg)
	require.NoError(t, err)

	select {
	case <-putDone:
	case <-time.After(time.Second):
		t.Fatal("blocked Put never completed once capacity freed")
	}
}
