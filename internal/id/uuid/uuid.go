// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// ProcessID returns an identifier for one governed process. A non-blank
// name is kept as a readable prefix; the UUID suffix keeps restarts of the
// same named process apart in demand and owner records.
func (g Generator) ProcessID(name string) (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return id, nil
	}
	return name + "-" + id, nil
}
