// Package auth verifies request digests. Clients never send the shared
// key itself; they send a blake3 keyed hash of the request body and the
// server recomputes it.
package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"
)

// Header carries the client's digest: "blake3:<hex>" over the raw body.
const Header = "X-Petition-Digest"

var (
	ErrMissingDigest = errors.New("missing digest header")
	ErrBadDigest     = errors.New("digest mismatch")
)

// Keyring holds the derived 32-byte blake3 key for one shared secret.
type Keyring struct {
	key [32]byte
}

// NewKeyring derives the signing key from the configured shared secret.
func NewKeyring(secret string) *Keyring {
	return &Keyring{key: blake3.Sum256([]byte(secret))}
}

// Digest computes the "blake3:<hex>" digest of body.
func (k *Keyring) Digest(body []byte) string {
	h, err := blake3.NewKeyed(k.key[:])
	if err != nil {
		// The key is always 32 bytes; NewKeyed cannot fail on it.
		panic(err)
	}
	h.Write(body)
	return "blake3:" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a presented digest against the body in constant time.
func (k *Keyring) Verify(presented string, body []byte) error {
	if presented == "" {
		return ErrMissingDigest
	}
	want := k.Digest(body)
	if len(presented) != len(want) ||
		subtle.ConstantTimeCompare([]byte(presented), []byte(want)) != 1 {
		return ErrBadDigest
	}
	return nil
}

// ExtractDigest pulls the digest header from a request.
func ExtractDigest(r *http.Request) (string, error) {
	d := strings.TrimSpace(r.Header.Get(Header))
	if d == "" {
		return "", ErrMissingDigest
	}
	if !strings.HasPrefix(d, "blake3:") {
		return "", fmt.Errorf("unsupported digest scheme in %s header", Header)
	}
	return d, nil
}
