package router

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidAddressFormat = errors.New("model must be in format: provider/model (e.g., openai/gpt-4)")

// Address is a direct provider/model address.
type Address struct {
	Provider string
	Model    string
}

func (a Address) String() string {
	return a.Provider + "/" + a.Model
}

// ParseAddress splits s on the first "/". The model part is passed through
// verbatim and may itself contain slashes.
func ParseAddress(s string) (Address, error) {
	provider, model, ok := strings.Cut(s, "/")
	if !ok || provider == "" || model == "" {
		return Address{}, fmt.Errorf("%w: got %q", ErrInvalidAddressFormat, s)
	}
	return Address{Provider: provider, Model: model}, nil
}

// IsDirect reports whether s uses direct addressing.
func IsDirect(s string) bool {
	return strings.Contains(s, "/")
}
