package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_ReadsEncodedCursor(t *testing.T) {
	want := Cursor{CreatedAt: time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC), ID: "4711"}

	got, err := Decode(Encode(want))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	enc := base64.RawURLEncoding.EncodeToString
	for name, in := range map[string]string{
		"not base64":   "!!!",
		"no separator": enc([]byte("12345")),
		"empty id":     enc([]byte("12345|")),
		"bad nanos":    enc([]byte("abc|42")),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

type row struct {
	id string
	at time.Time
}

func rowKey(r row) Cursor { return Cursor{CreatedAt: r.at, ID: r.id} }

func TestBuild(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []row{{"3", base.Add(3 * time.Second)}, {"2", base.Add(2 * time.Second)}, {"1", base.Add(time.Second)}}

	t.Run("last page", func(t *testing.T) {
		p := Build(rows, 3, rowKey)
		assert.Len(t, p.Items, 3)
		assert.False(t, p.HasMore)
		assert.Empty(t, p.NextCursor)
	})

	t.Run("more available", func(t *testing.T) {
		p := Build(rows, 2, rowKey)
		assert.Len(t, p.Items, 2)
		assert.True(t, p.HasMore)
		c, err := Decode(p.NextCursor)
		require.NoError(t, err)
		assert.Equal(t, "2", c.ID)
	})
}
