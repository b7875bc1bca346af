package util

import (
	"sort"
	"strings"
)

// Property string encoding: key\x01value\x02key\x01value...
const (
	nameValueSeparator = "\x01"
	propertySeparator  = "\x02"
)

// EncodeProperties serializes a property map into the wire string. Keys are
// sorted so the same map always yields the same bytes.
func EncodeProperties(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(nameValueSeparator)
		sb.WriteString(props[k])
		sb.WriteString(propertySeparator)
	}
	return sb.String()
}

// DecodeProperties parses a property string back into a map. Malformed
// entries are skipped rather than failing the whole record.
func DecodeProperties(s string) map[string]string {
	props := make(map[string]string)
	if s == "" {
		return props
	}

	for _, item := range strings.Split(s, propertySeparator) {
		if item == "" {
			continue
		}
		idx := strings.Index(item, nameValueSeparator)
		if idx <= 0 {
			continue
		}
		props[item[:idx]] = item[idx+1:]
	}
	return props
}

// SetProperty rewrites one key of an already-encoded property string.
func SetProperty(encoded, key, value string) string {
	props := DecodeProperties(encoded)
	props[key] = value
	return EncodeProperties(props)
}

// GetProperty reads one key from an encoded property string.
func GetProperty(encoded, key string) string {
	return DecodeProperties(encoded)[key]
}
