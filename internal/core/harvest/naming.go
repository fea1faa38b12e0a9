package harvest

import (
	"fmt"
	"strings"
)

// FileSafe maps a partition identifier to a string usable in file names.
// Letters, digits, '.', '_' and '-' are kept and every other byte becomes
// %XX, so distinct identifiers never share a file.
func FileSafe(partition string) string {
	switch partition {
	case "":
		return "%"
	case ".", "..":
		return strings.Repeat("%2E", len(partition))
	}
	var b strings.Builder
	b.Grow(len(partition))
	for i := 0; i < len(partition); i++ {
		c := partition[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
