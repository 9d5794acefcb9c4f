package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	id := "ord_abc123"

	encoded := Encode(ts, id)
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode("not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestDecode_MalformedPayload(t *testing.T) {
	// Valid base64 but no | separator
	_, err := Decode("bm9waXBl") // "nopipe"
	assert.ErrorIs(t, err, ErrInvalidCursor)

	_, err = Decode(Encode(time.Now(), ""))
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestComputePage_NoMore(t *testing.T) {
	items := []string{"a", "b", "c"}
	result, cursor, hasMore := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Equal(t, 3, len(result))
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePage_HasMore(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	result, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Equal(t, 3, len(result))
	assert.NotEmpty(t, cursor)
	assert.True(t, hasMore)

	// Verify cursor decodes to the last item
	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}

func TestComputePage_ExactLimit(t *testing.T) {
	items := []string{"a", "b", "c"}
	result, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Equal(t, 3, len(result))
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestCursorAfter(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "ord_m"}

	assert.True(t, c.After(ts.Add(-time.Second), "ord_z"), "older sorts after")
	assert.False(t, c.After(ts.Add(time.Second), "ord_a"), "newer sorts before")
	assert.True(t, c.After(ts, "ord_a"), "same time, smaller id sorts after")
	assert.False(t, c.After(ts, "ord_m"), "the cursor item itself is excluded")
	assert.False(t, c.After(ts, "ord_z"))

	var none *Cursor
	assert.True(t, none.After(ts, "ord_a"))
}

func TestPagesCoverListingOnce(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	type item struct {
		at time.Time
		id string
	}
	// Newest first, with a timestamp tie.
	all := []item{
		{base.Add(3 * time.Minute), "ord_e"},
		{base.Add(2 * time.Minute), "ord_d"},
		{base.Add(2 * time.Minute), "ord_c"},
		{base.Add(time.Minute), "ord_b"},
		{base, "ord_a"},
	}
	key := func(i item) (time.Time, string) { return i.at, i.id }

	var seen []string
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		c, err := Decode(cursor)
		require.NoError(t, err)
		var fetched []item
		for _, i := range all {
			if c.After(i.at, i.id) && len(fetched) < 3 {
				fetched = append(fetched, i)
			}
		}
		page, next, more := ComputePage(fetched, 2, key)
		for _, i := range page {
			seen = append(seen, i.id)
		}
		if !more {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"ord_e", "ord_d", "ord_c", "ord_b", "ord_a"}, seen)
}
