package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	encoded, err := EncodeCursor(Cursor{CreatedAt: "2026-08-31T10:00:00Z", ID: "p-1"})
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := DecodeCursor(encoded)
	require.NoError(t, err)
	require.Equal(t, "2026-08-31T10:00:00Z", decoded.CreatedAt)
	require.Equal(t, "p-1", decoded.ID)

	_, err = DecodeCursor("%%not-base64%%")
	require.Error(t, err)
}

func TestBuildCursorPageInfo(t *testing.T) {
	type row struct{ id string }
	cursorOf := func(r *row) string { return r.id }

	require.False(t, BuildCursorPageInfo[row](nil, 2, cursorOf).HasMore)

	rows := []*row{{id: "a"}, {id: "b"}, {id: "c"}}
	info := BuildCursorPageInfo(rows, 2, cursorOf)
	require.True(t, info.HasMore)
	require.Equal(t, "b", info.NextCursor)

	info = BuildCursorPageInfo(rows[:2], 2, cursorOf)
	require.False(t, info.HasMore)
	require.Equal(t, "b", info.NextCursor)
}
