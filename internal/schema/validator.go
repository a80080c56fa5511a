// Package schema validates wire messages at the service boundary.
package schema

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Validatable is implemented by every tagged wire message in models.
type Validatable interface {
	Validate() error
}

// Validator checks outbound messages before they are written to a stream.
type Validator struct {
	name string
}

// New creates a validator; name tags log lines and errors.
func New(name string) *Validator {
	return &Validator{name: name}
}

// Validate returns an error if msg violates its own shape rules. Messages
// that do not implement Validatable pass unchecked.
func (v *Validator) Validate(msg any) error {
	m, ok := msg.(Validatable)
	if !ok {
		return nil
	}
	if err := m.Validate(); err != nil {
		log.Debug().
			Err(err).
			Str("boundary", v.name).
			Msg("Rejected invalid message")
		return fmt.Errorf("%s: invalid message: %w", v.name, err)
	}
	return nil
}
