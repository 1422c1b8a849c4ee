package xid

import (
	"github.com/google/uuid"
)

// New returns a prefixed unique id, e.g. "disp-1f2a...".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
