package engine

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a globally unique, filesystem-safe, lexically sortable
// run identifier.
func NewRunID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return strings.ToLower(id.String()), nil
}
