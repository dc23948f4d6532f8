package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Papabyte/upbit-orderbook-replication/internal/exchange/common"
)

func TestLedger_UpsertGetRemove(t *testing.T) {
	l := NewLedger()

	_, ok, err := l.Get("0.00005")
	require.NoError(t, err)
	assert.False(t, ok)

	l.Upsert("0.00005", RestingOrder{ID: "a", Size: d("10"), Side: common.Buy})
	l.Upsert("0.00006", RestingOrder{ID: "b", Size: d("5"), Side: common.Sell})
	assert.Equal(t, 2, l.Len())

	ord, ok, err := l.Get("0.00005")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", ord.ID)
	assert.True(t, ord.Size.Equal(d("10")))

	// replace in place
	l.Upsert("0.00005", RestingOrder{ID: "c", Size: d("7"), Side: common.Buy})
	ord, ok, err = l.Get("0.00005")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", ord.ID)
	assert.Equal(t, 2, l.Len())

	l.Remove("0.00005")
	_, ok, err = l.Get("0.00005")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, l.Len())

	// removing a missing price is a no-op
	l.Remove("0.00005")
	assert.Equal(t, 1, l.Len())
}

func TestLedger_ZeroSizeEntryIsAnError(t *testing.T) {
	l := NewLedger()
	l.Upsert("0.00005", RestingOrder{ID: "a", Size: d("0"), Side: common.Buy})

	_, _, err := l.Get("0.00005")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0-sized")
}

func TestLedger_PricesAndSnapshotAreCopies(t *testing.T) {
	l := NewLedger()
	l.Upsert("0.00005", RestingOrder{ID: "a", Size: d("10"), Side: common.Buy})
	l.Upsert("0.00006", RestingOrder{ID: "b", Size: d("5"), Side: common.Sell})

	assert.ElementsMatch(t, []string{"0.00005", "0.00006"}, l.Prices())

	snap := l.Snapshot()
	delete(snap, "0.00005")
	assert.Equal(t, 2, l.Len(), "mutating a snapshot must not touch the ledger")
}
