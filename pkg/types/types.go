package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Identity range handed out by the broker.
const (
	MinIdentity Identity = 100000
	MaxIdentity Identity = 999999
)

// Identity is the short numeric handle an endpoint is known by while it is
// registered with the broker.
type Identity int

// Valid reports whether the identity lies in the issuable range.
func (id Identity) Valid() bool {
	return id >= MinIdentity && id <= MaxIdentity
}

// String returns the decimal form of the identity
func (id Identity) String() string {
	return strconv.Itoa(int(id))
}

// ParseIdentity parses user input into an identity. Surrounding whitespace is
// ignored; anything else that is not a six digit number in range fails.
func ParseIdentity(s string) (Identity, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &IdentityError{Input: s, Err: err}
	}
	id := Identity(n)
	if !id.Valid() {
		return 0, &IdentityError{Input: s, Err: ErrOutOfRange}
	}
	return id, nil
}

// ErrOutOfRange is wrapped by IdentityError for numbers outside the range.
var ErrOutOfRange = fmt.Errorf("identity must be between %d and %d", MinIdentity, MaxIdentity)

// IdentityError represents a failure to parse an identity
type IdentityError struct {
	Input string // Offending input
	Err   error  // Underlying error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("invalid identity %q: %v", e.Input, e.Err)
}

func (e *IdentityError) Unwrap() error {
	return e.Err
}
