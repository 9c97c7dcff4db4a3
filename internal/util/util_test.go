package util_test

import (
	"kdev/internal/util"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_HumanBytes(t *testing.T) {
	assert.Equal(t, "0B", util.HumanBytes(0))
	assert.Equal(t, "1023B", util.HumanBytes(1023))
	assert.Equal(t, "1KiB", util.HumanBytes(1024))
	assert.Equal(t, "1.5MiB", util.HumanBytes(3 << 19))
	assert.Equal(t, "4GiB", util.HumanBytes(4 << 30))
}

func Test_HexDump(t *testing.T) {
	data := make([]byte, 64)
	data[0], data[1] = 0xbe, 0xef
	data[32], data[33] = 0xca, 0xfe

	out := util.HexDump(data, 40)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")

	// three header lines, two rows, footer
	assert.Len(t, lines, 6)
	assert.Contains(t, lines[1], "40 bytes")
	assert.Contains(t, lines[3], "0x00000000")
	assert.Contains(t, lines[3], "beef")
	assert.Contains(t, lines[4], "0x00000020")
	assert.Contains(t, lines[4], "cafe")

	// limit past the data is clamped
	assert.Len(t, strings.Split(strings.TrimSuffix(util.HexDump(data[:2], 4096), "\n"), "\n"), 5)
}
