// Package auth implements token derivation and the per-connection
// authentication gate.
//
// Tokens are bound to the TLS session: both ends export keying material
// with the client id as label and the shared password as context, so a
// captured token is useless on any other connection.
package auth

import (
	"crypto/subtle"

	"github.com/google/uuid"

	"github.com/windrift-io/windrift/internal/protocol"
)

// Token is the fixed-size authentication token carried by an
// Authenticate command.
type Token = [protocol.TokenSize]byte

// KeyingExporter derives secrets bound to an established TLS session.
// *tls.ConnectionState satisfies it, as does the QUIC equivalent.
type KeyingExporter interface {
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
}

// DeriveToken computes the session token for a client id and password
// over the given TLS session.
func DeriveToken(ex KeyingExporter, clientID uuid.UUID, password string) (Token, error) {
	var token Token
	material, err := ex.ExportKeyingMaterial(string(clientID[:]), []byte(password), protocol.TokenSize)
	if err != nil {
		return token, err
	}
	copy(token[:], material)
	return token, nil
}

// Verifier decides whether a presented client id and token are valid.
type Verifier interface {
	Verify(clientID uuid.UUID, token Token) bool
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(clientID uuid.UUID, token Token) bool

func (f VerifierFunc) Verify(clientID uuid.UUID, token Token) bool {
	return f(clientID, token)
}

// Users maps client ids to their passwords.
type Users map[uuid.UUID]string

// Verifier returns a Verifier for one connection's TLS session. Unknown
// client ids and token mismatches are indistinguishable to the caller.
func (u Users) Verifier(ex KeyingExporter) Verifier {
	return VerifierFunc(func(clientID uuid.UUID, token Token) bool {
		password, ok := u[clientID]
		if !ok {
			return false
		}
		expected, err := DeriveToken(ex, clientID, password)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare(expected[:], token[:]) == 1
	})
}
