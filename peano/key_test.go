package peano

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCellToCellRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		cx := CellIndex(rng.Intn(CellsPerAxis))
		cy := CellIndex(rng.Intn(CellsPerAxis))
		cz := CellIndex(rng.Intn(CellsPerAxis))

		key := FromCell(cx, cy, cz)
		gx, gy, gz := ToCell(key)

		require.Equal(t, cx, gx, "x mismatch for key %v", key)
		require.Equal(t, cy, gy, "y mismatch for key %v", key)
		require.Equal(t, cz, gz, "z mismatch for key %v", key)
	}
}

func TestFromCellBijective(t *testing.T) {
	seen := make(map[Key]bool)
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 5000; i++ {
		cx := CellIndex(rng.Intn(CellsPerAxis))
		cy := CellIndex(rng.Intn(CellsPerAxis))
		cz := CellIndex(rng.Intn(CellsPerAxis))
		key := FromCell(cx, cy, cz)
		assert.False(t, seen[key], "duplicate key %v", key)
		seen[key] = true
		assert.Less(t, uint64(key), uint64(Cells))
	}
}

func TestFromCellOrigin(t *testing.T) {
	assert.Equal(t, Key(0), FromCell(0, 0, 0))
}

func TestKeyOfSeparatesOppositeCorners(t *testing.T) {
	const box = 10.0
	k1 := KeyOf(0.05, 0.05, 0.05, box)
	k2 := KeyOf(9.99, 9.99, 9.99, box)
	assert.NotEqual(t, k1, k2)
}

func TestCoordClampsOutOfRange(t *testing.T) {
	assert.Equal(t, CellIndex(0), Coord(-1, 10))
	assert.Equal(t, CellIndex(CellsPerAxis-1), Coord(1000, 10))
}

func TestInRange(t *testing.T) {
	assert.True(t, InRange(Key(5), Key(0), 10))
	assert.False(t, InRange(Key(10), Key(0), 10))
	assert.False(t, InRange(Key(0), Key(1), 10))
}
