package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidModelCode indicates a string that cannot be parsed as provider/model.
var ErrInvalidModelCode = errors.New("invalid model code")

// ModelCode identifies a model by its provider and the vendor's model id.
type ModelCode struct {
	Provider string
	Model    string
}

// NewModelCode builds a code from its parts.
func NewModelCode(provider, model string) ModelCode {
	return ModelCode{Provider: provider, Model: model}
}

// FullCode renders the canonical "<provider>/<model>" string.
func (c ModelCode) FullCode() string {
	return c.Provider + "/" + c.Model
}

func (c ModelCode) String() string {
	return c.FullCode()
}

// IsZero reports whether neither part is set.
func (c ModelCode) IsZero() bool {
	return c.Provider == "" && c.Model == ""
}

// ParseModelCode is the inverse of FullCode. The provider id never contains a
// slash, the model id may (e.g. "openrouter/anthropic/claude-3-haiku").
func ParseModelCode(code string) (ModelCode, error) {
	provider, model, ok := strings.Cut(code, "/")
	if !ok || provider == "" || model == "" {
		return ModelCode{}, fmt.Errorf("%w: %q", ErrInvalidModelCode, code)
	}
	return ModelCode{Provider: provider, Model: model}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (c ModelCode) MarshalText() ([]byte, error) {
	if c.IsZero() {
		return []byte{}, nil
	}
	return []byte(c.FullCode()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ModelCode) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*c = ModelCode{}
		return nil
	}
	parsed, err := ParseModelCode(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
