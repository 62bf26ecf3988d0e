// Package secret seals bot provider credentials at rest.
//
// Sealing uses NaCl secretbox (XSalsa20-Poly1305) with a random 24-byte nonce
// prepended to the box. The key comes from HUDDLE_BOT_SECRET_KEY (64 hex chars).
//
// Fingerprints are HMAC-SHA256 digests under the same key, used to show which
// credential a bot holds without ever returning it.
package secret
