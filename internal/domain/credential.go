package domain

import "context"

// CredentialProvider supplies a bearer token for platform API calls.
// Implementations fail with *AuthError when no valid token can be produced.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// Credentials are the app key pair used to open stream sessions and mint tokens.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

func (c Credentials) Empty() bool {
	return c.ClientID == "" || c.ClientSecret == ""
}
