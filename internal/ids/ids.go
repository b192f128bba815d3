package ids

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// maxCorrelationLength bounds client-supplied request ids.
const maxCorrelationLength = 128

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	return ulid.Make().String()
}

// NewCorrelation returns a fresh request correlation id.
func NewCorrelation() string {
	return uuid.NewString()
}

// AcceptCorrelation reports whether a client-supplied correlation id may be reused.
// Only printable ASCII without spaces is accepted so the value is safe in headers and logs.
func AcceptCorrelation(s string) bool {
	if s == "" || len(s) > maxCorrelationLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if c := s[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
