// Package session implements Huddle's bearer sessions.
//
// Access tokens are PASETO v4.public and short-lived. Every token names a
// server-side session row, so revoking the row invalidates the token on the
// next validation even before it expires.
//
// Transport (HTTP/WS) code consumes this package through Service.Authenticate.
package session
