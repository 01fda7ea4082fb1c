// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"crypto/subtle"
)

// ClientInfo is the identity a client presents in its hello frame.
type ClientInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Type       string `json:"type,omitempty"`
	Token      string `json:"-"`
	RemoteAddr string `json:"remote_addr"`
}

// Authenticator validates client credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, info ClientInfo) (bool, error)
}

// TokenAuthenticator accepts clients presenting one of a fixed set of
// tokens. With no tokens configured every client is accepted.
type TokenAuthenticator struct {
	tokens [][]byte
}

// NewTokenAuthenticator creates a TokenAuthenticator. Empty tokens are
// ignored.
func NewTokenAuthenticator(tokens ...string) *TokenAuthenticator {
	a := &TokenAuthenticator{}
	for _, t := range tokens {
		if t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

// Authenticate compares the client token against every configured token.
func (a *TokenAuthenticator) Authenticate(_ context.Context, info ClientInfo) (bool, error) {
	if len(a.tokens) == 0 {
		return true, nil
	}
	given := []byte(info.Token)
	ok := 0
	for _, t := range a.tokens {
		ok |= subtle.ConstantTimeCompare(given, t)
	}
	return ok == 1, nil
}
