package objid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ValidatesInput(t *testing.T) {
	t.Parallel()

	id, err := New("obj-A")
	require.NoError(t, err)
	assert.Equal(t, "obj-A", id.String())
	assert.False(t, id.IsRoot())

	_, err = New("")
	require.ErrorIs(t, err, ErrEmpty)

	for _, bad := range []string{"a/b", "a\\b", "a\x00b"} {
		_, err := New(bad)
		require.ErrorIsf(t, err, ErrInvalidChars, "input %q", bad)
	}
}

func TestRoot(t *testing.T) {
	t.Parallel()

	r := Root()
	assert.True(t, r.IsRoot())
	assert.Equal(t, RootValue, r.String())
}

func TestTextRoundTrip(t *testing.T) {
	t.Parallel()

	id := MustNew("obj-B")

	text, err := id.MarshalText()
	require.NoError(t, err)

	var got ID
	require.NoError(t, got.UnmarshalText(text))
	assert.Equal(t, id, got)

	var bad ID
	err = bad.UnmarshalText([]byte(""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmpty))
}

func TestSQLScanValue(t *testing.T) {
	t.Parallel()

	id := MustNew("obj-C")

	v, err := id.Value()
	require.NoError(t, err)
	assert.Equal(t, "obj-C", v)

	var scanned ID
	require.NoError(t, scanned.Scan("obj-C"))
	assert.Equal(t, id, scanned)

	require.NoError(t, scanned.Scan([]byte("obj-D")))
	assert.Equal(t, "obj-D", scanned.String())

	var zero ID
	require.NoError(t, zero.Scan(nil))
	assert.True(t, zero.IsZero())

	v, err = zero.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}
