// Package uuid issues site identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements monitor.IDGenerator with UUIDv7, whose leading
// timestamp makes IDs sort in registration order.
type Generator struct{}

// New returns a Generator.
func New() *Generator { return &Generator{} }

// NewID returns a fresh UUIDv7 in canonical string form.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new site id: %w", err)
	}
	return id.String(), nil
}
