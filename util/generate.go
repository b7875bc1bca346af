package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewUniqKey returns a producer-side unique message key.
func NewUniqKey() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
