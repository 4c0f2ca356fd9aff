package utils

import (
	"strings"
	"unsafe"
)

func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// JoinKey builds colon separated store keys, skipping empty parts.
func JoinKey(parts ...string) string {
	var sb strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(part)
	}
	return sb.String()
}
