package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	encoded := Encode(ts, 42)
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, int64(42), cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"not-base64!!!", "bm9waXBl", "MXxhYmM"} { // "nopipe", "1|abc"
		_, err := Decode(s)
		assert.Error(t, err, s)
	}
}

func TestCursorAdmits(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: 10}

	assert.True(t, c.Admits(ts.Add(-time.Second), 99), "older row")
	assert.True(t, c.Admits(ts, 9), "same time, lower id")
	assert.False(t, c.Admits(ts, 10), "the cursor row itself")
	assert.False(t, c.Admits(ts.Add(time.Second), 1), "newer row")

	var none *Cursor
	assert.True(t, none.Admits(ts, 1))
}

func TestComputePage(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	key := func(id int64) (time.Time, int64) { return ts, id }

	items, next, more := ComputePage([]int64{5, 4, 3}, 5, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	items, next, more = ComputePage([]int64{5, 4, 3}, 2, key)
	assert.Equal(t, []int64{5, 4}, items)
	assert.True(t, more)

	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.ID)
	assert.True(t, c.Admits(ts, 3))
}
