package util

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/docker/go-units"
)

const dumpRow = 32

// HexDump renders up to limit bytes of data as rows of big endian u16 chunks. Used by
// `kdev probe` to eyeball the first block of a device.
func HexDump(data []byte, limit int) string {
	if limit > len(data) {
		limit = len(data)
	}

	var b strings.Builder
	b.WriteString("┏━━━━━━━━━━━━┳━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┓\n")
	fmt.Fprintf(&b, "┃ Offset     ┃ u16 Chunks (BigEndian) - %8d bytes (0x%06x)                                   ┃\n",
		limit, limit)
	b.WriteString("┣━━━━━━━━━━━━╋━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┫\n")

	for i := 0; i < limit; i += dumpRow {
		fmt.Fprintf(&b, "┃ 0x%08x ┃ ", i)
		for j := 0; j < dumpRow; j += 2 {
			if i+j+1 < limit {
				fmt.Fprintf(&b, "%04x ", binary.BigEndian.Uint16(data[i+j:i+j+2]))
			} else {
				b.WriteString("     ")
			}
			// Space every 8 bytes to keep your eyes from crossing
			if (j+2)%8 == 0 {
				b.WriteString(" ")
			}
		}
		b.WriteString("┃\n")
	}
	b.WriteString("┗━━━━━━━━━━━━┻━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛\n")

	return b.String()
}

// HumanBytes formats n with a binary unit suffix, e.g. 1.5MiB.
func HumanBytes(n uint64) string {
	return units.BytesSize(float64(n))
}
