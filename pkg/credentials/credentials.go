// Package credentials resolves opaque credential references into secrets at
// connection time. Secrets never enter the task store; only references do.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// ErrCodeUnknownReference marks an AuthError for a reference no provider knows.
const ErrCodeUnknownReference = "UNKNOWN_CREDENTIAL_REF"

// Unknown returns the error every provider reports for an unknown reference.
func Unknown(ref string) *engine.EngineError {
	return engine.NewAuthError(fmt.Sprintf("unknown credential reference %q", ref), nil).
		WithCode(ErrCodeUnknownReference)
}

// IsUnknown reports whether err is an unknown-reference error.
func IsUnknown(err error) bool {
	var e *engine.EngineError
	return errors.As(err, &e) && e.Code == ErrCodeUnknownReference
}

// Unavailable wraps a backend failure as a transient error.
func Unavailable(source string, err error) *engine.EngineError {
	return engine.NewConnectionError(source+" credential backend unavailable", err).
		WithOperation("resolve_credentials")
}

// Chain asks each provider in order and returns the first that knows the reference.
// Errors other than an unknown reference stop the chain.
type Chain []engine.CredentialProvider

// Resolve implements engine.CredentialProvider.
func (c Chain) Resolve(ctx context.Context, ref string) (engine.Credentials, error) {
	for _, p := range c {
		creds, err := p.Resolve(ctx, ref)
		if err == nil {
			return creds, nil
		}
		if !IsUnknown(err) {
			return engine.Credentials{}, err
		}
	}
	return engine.Credentials{}, Unknown(ref)
}
