package vcpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotTableAppend(t *testing.T) {
	table := NewSlotTable(4)

	require.NoError(t, table.Append(&Slot{Ordinal: 0, State: SlotRunning}))
	require.NoError(t, table.Append(&Slot{Ordinal: 1, State: SlotRunning}))

	assert.EqualValues(t, 2, table.Len())
	assert.EqualValues(t, 2, table.Remaining())

	// Ordinals must be contiguous.
	err := table.Append(&Slot{Ordinal: 5, State: SlotRunning})
	assert.Error(t, err)
	assert.EqualValues(t, 2, table.Len())
}

func TestSlotTableCapacity(t *testing.T) {
	table := NewSlotTable(2)

	require.NoError(t, table.Append(&Slot{Ordinal: 0}))
	require.NoError(t, table.Append(&Slot{Ordinal: 1}))

	err := table.Append(&Slot{Ordinal: 2})
	require.Error(t, err)
	assert.EqualValues(t, 2, table.Len())
}

func TestSlotTableTruncateTo(t *testing.T) {
	table := NewSlotTable(8)
	for i := uint8(0); i < 5; i++ {
		require.NoError(t, table.Append(&Slot{Ordinal: i, State: SlotRunning}))
	}

	removed := table.TruncateTo(2)

	assert.EqualValues(t, 2, table.Len())
	require.Len(t, removed, 3)
	// Highest ordinal first, so teardown mirrors provisioning order.
	assert.EqualValues(t, 4, removed[0].Ordinal)
	assert.EqualValues(t, 3, removed[1].Ordinal)
	assert.EqualValues(t, 2, removed[2].Ordinal)

	// Truncating to the current or larger length is a no-op.
	assert.Nil(t, table.TruncateTo(2))
	assert.Nil(t, table.TruncateTo(7))
	assert.EqualValues(t, 2, table.Len())
}
