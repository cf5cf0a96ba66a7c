// Package tokenstore persists the credentials of a portal session. The three
// values are written and removed together; a partially present record is
// reported as absent.
package tokenstore

import (
	"context"
)

// Credentials are the durable part of a session.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Username     string
}

// Complete reports whether all three values are present.
func (c Credentials) Complete() bool {
	return c.AccessToken != "" && c.RefreshToken != "" && c.Username != ""
}

// Empty reports whether no value is present.
func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == "" && c.Username == ""
}

// Store persists the credentials of one browser session.
type Store interface {
	// Load returns the stored credentials. A missing record yields zero
	// Credentials and a nil error.
	Load(ctx context.Context) (Credentials, error)
	// Save replaces the stored credentials atomically.
	Save(ctx context.Context, creds Credentials) error
	// Clear removes the stored credentials.
	Clear(ctx context.Context) error
}

// Provider hands out stores scoped to a browser session id.
type Provider interface {
	Scope(sessionID string) Store
}
