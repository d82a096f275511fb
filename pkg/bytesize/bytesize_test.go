package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"4MB", 4 << 20},
		{"4M", 4 << 20},
		{"1.5 GB", 1536 << 20},
		{"512Ki", 512 << 10},
		{"2TB", 2 << 40},
		{"0", 0},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "huge", "4XB", "MB"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "4.00 MB", Format(4<<20))
	assert.Equal(t, "1.50 GB", Format(1536<<20))
}

func TestParseRate(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"10mbps", 1250000},
		{"100kbps", 12500},
		{"1gbps", 125000000},
		{"100KB/s", 100 << 10},
		{"2MB/s", 2 << 20},
	}
	for _, c := range cases {
		got, err := ParseRate(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseRate_Invalid(t *testing.T) {
	for _, in := range []string{"", "fast", "10", "10zbps"} {
		_, err := ParseRate(in)
		assert.Error(t, err, in)
	}
}
