package verifiers

import (
	"context"
)

// TrustingAuthorizer approves every native identity enumerated in the
// signature bundle. The bundle is supplied by an admin-key-authenticated
// caller, so listing a native signer is itself the platform's approval
// assertion. Embedders with their own approval ledger should supply a
// verifier.Authorizer that consults it instead.
type TrustingAuthorizer struct{}

// NewTrustingAuthorizer creates the default native-signer authorizer.
func NewTrustingAuthorizer() *TrustingAuthorizer { return &TrustingAuthorizer{} }

// Approved reports true for every enumerated identity.
func (a *TrustingAuthorizer) Approved(context.Context, string, [32]byte) (bool, error) {
	return true, nil
}
