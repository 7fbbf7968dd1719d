// Package verifiers contains the reference verifier implementations for
// delegated signers.
package verifiers

import (
	"context"
	"crypto/ed25519"
	"fmt"
)

// Ed25519ID is the handle delegated signers reference the verifier by.
const Ed25519ID = "ed25519"

// Ed25519 verifies Ed25519 signatures over the invocation digest.
type Ed25519 struct{}

// NewEd25519 creates the Ed25519 verifier.
func NewEd25519() *Ed25519 { return &Ed25519{} }

// ID returns the verifier handle.
func (v *Ed25519) ID() string { return Ed25519ID }

// Verify judges an Ed25519 signature over the digest. Malformed key or
// signature sizes are machinery failures and return an error; a well-formed
// signature that does not verify returns (false, nil).
func (v *Ed25519) Verify(ctx context.Context, digest [32]byte, publicKey, signature []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("ed25519: malformed public key: %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	if len(signature) != ed25519.SignatureSize {
		return false, fmt.Errorf("ed25519: malformed signature: %d bytes, want %d", len(signature), ed25519.SignatureSize)
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), digest[:], signature), nil
}
