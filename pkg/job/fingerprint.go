package job

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint canonicalizes (tool, params) into a stable hash so two
// submissions carrying the same semantic request collapse onto the
// same Job. Map key order never leaks into the hash.
func Fingerprint(tool string, params map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString(tool)
	sb.WriteByte('\x00')
	writeCanonical(&sb, params)

	sum := blake2b.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func writeCanonical(sb *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(sb, "%q:", k)
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	default:
		fmt.Fprintf(sb, "%v", val)
	}
}
