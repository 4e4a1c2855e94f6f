package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownKey        = errors.New("key is not declared")
	ErrDuplicateBinding  = errors.New("key is already bound")
	ErrUnboundKey        = errors.New("key is not bound to a graph location")
	ErrIncompleteBinding = errors.New("required inputs have no value")
	ErrInvalidPath       = errors.New("invalid node path")
)

// KeyError reports a binding failure for one or more logical keys.
// Kind is one of the sentinel errors above and is matched by errors.Is.
type KeyError struct {
	Kind   error
	Keys   []string
	Detail string
}

func (e *KeyError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if len(e.Keys) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Keys, ", "))
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, " (%s)", e.Detail)
	}
	return b.String()
}

func (e *KeyError) Unwrap() error {
	return e.Kind
}

func keyError(kind error, key, detail string) error {
	return &KeyError{Kind: kind, Keys: []string{key}, Detail: detail}
}
