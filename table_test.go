package loom

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueTableLookupOrCreateIsIdempotent(t *testing.T) {
	tbl := newValueTable()
	rrid := RRID{Whence: 1, ID: 1, Where: 1}

	calls := 0
	factory := func() valueChannel {
		calls++
		return newUnboundedChannel()
	}

	c1 := tbl.lookupOrCreate(rrid, factory)
	c2 := tbl.lookupOrCreate(rrid, factory)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, calls, "factory must only run once per rrid")
}

func TestValueTablePutTakeRoundTrip(t *testing.T) {
	tbl := newValueTable()
	rrid := RRID{Whence: 1, ID: 1, Where: 1}
	tbl.lookupOrCreate(rrid, nil)

	require.NoError(t, tbl.putInto(context.Background(), rrid, "hello"))
	assert.True(t, tbl.isReady(rrid))

	v, err := tbl.fetchFrom(context.Background(), rrid)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, release, err := tbl.takeFrom(context.Background(), rrid)
	require.NoError(t, err)
	release()
	assert.Equal(t, "hello", v)
	assert.True(t, tbl.isEmpty(rrid))
}

func TestValueTableOperationsOnMissingCell(t *testing.T) {
	tbl := newValueTable()
	rrid := RRID{Whence: 1, ID: 99, Where: 1}

	err := tbl.putInto(context.Background(), rrid, "x")
	assert.Equal(t, ErrCellDestroyed, err)

	_, release, err := tbl.takeFrom(context.Background(), rrid)
	release()
	assert.Equal(t, ErrCellDestroyed, err)

	_, err = tbl.fetchFrom(context.Background(), rrid)
	assert.Equal(t, ErrCellDestroyed, err)

	assert.False(t, tbl.isReady(rrid))
	assert.True(t, tbl.isEmpty(rrid))
	assert.False(t, tbl.isOpen(rrid))
}

func TestValueTableDelClientDestroysEmptyCell(t *testing.T) {
	tbl := newValueTable()
	rrid := RRID{Whence: 1, ID: 1, Where: 1}
	tbl.lookupOrCreate(rrid, nil)

	tbl.addClient(rrid, 2)
	tbl.delClient(rrid, 1)
	_, stillThere := tbl.lookup(rrid)
	assert.True(t, stillThere, "cell must survive while client 2 remains")

	tbl.delClient(rrid, 2)
	_, stillThere = tbl.lookup(rrid)
	assert.False(t, stillThere, "cell must be removed once its clientset empties")
}

func TestValueTableNewRRIDIncrementsAndTagsSelf(t *testing.T) {
	tbl := newValueTable()
	tbl.self = 3

	a := tbl.newRRID()
	b := tbl.newRRID()
	assert.Equal(t, NodeID(3), a.Whence)
	assert.Equal(t, NodeID(3), a.Where)
	assert.NotEqual(t, a.ID, b.ID)
}
