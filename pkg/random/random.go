// Package random generates run ids.
package random

import (
	"strings"

	"github.com/google/uuid"
)

const idLen = 10

// ID returns a short random run id made of lowercase hex digits.
func ID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:idLen]
}
