package id

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random job identifier.
func New() string {
	return uuid.NewString()
}

// Short returns eight hex characters, used to disambiguate stored filenames.
func Short() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
