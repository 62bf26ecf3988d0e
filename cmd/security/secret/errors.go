package secret

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing = errors.New("secret key missing")
	ErrKeyInvalid = errors.New("secret key must be 32 bytes hex-encoded")
	ErrOpen       = errors.New("secret: box cannot be opened")
)
