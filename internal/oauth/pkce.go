// Package oauth implements PKCE generation, per-provider authorization
// URLs, and the authorization-code and refresh-token exchanges.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCEParams is one generated PKCE challenge, held in memory between
// authorization_url and exchange_code for a single login attempt.
type PKCEParams struct {
	CodeVerifier  string
	CodeChallenge string
	Method        string // always "S256"
	State         string
}

// NewPKCEParams generates a 32-byte CSPRNG code_verifier and its
// SHA-256 S256 code_challenge, both base64url-no-padding encoded.
func NewPKCEParams() (PKCEParams, error) {
	verifier, err := randomBase64URL(32)
	if err != nil {
		return PKCEParams{}, fmt.Errorf("oauth: generate code_verifier: %w", err)
	}
	state, err := randomBase64URL(32)
	if err != nil {
		return PKCEParams{}, fmt.Errorf("oauth: generate state: %w", err)
	}

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	return PKCEParams{
		CodeVerifier:  verifier,
		CodeChallenge: challenge,
		Method:        "S256",
		State:         state,
	}, nil
}

func randomBase64URL(numBytes int) (string, error) {
	buf := make([]byte, numBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
