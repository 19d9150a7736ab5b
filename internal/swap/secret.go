package swap

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/crypto/ripemd160"

	"github.com/klingon-exchange/swapd/pkg/helpers"
)

// SecretSize is the size of a swap secret in bytes.
const SecretSize = 32

// HashScheme selects the commitment function used to derive the secret hash.
// Both legs of one swap must use the same scheme.
type HashScheme string

const (
	// HashSHA256 is a single SHA-256 (32 bytes). Used by most EVM HTLC contracts.
	HashSHA256 HashScheme = "sha256"
	// HashHash256 is double SHA-256 (32 bytes). The default.
	HashHash256 HashScheme = "hash256"
	// HashHash160 is SHA-256 followed by RIPEMD-160 (20 bytes).
	HashHash160 HashScheme = "hash160"
)

// DefaultHashScheme is used when a chain does not configure one.
const DefaultHashScheme = HashHash256

// Size returns the commitment length in bytes.
func (h HashScheme) Size() int {
	if h == HashHash160 {
		return ripemd160.Size
	}
	return sha256.Size
}

// Valid reports whether h is a known scheme.
func (h HashScheme) Valid() bool {
	switch h {
	case HashSHA256, HashHash256, HashHash160:
		return true
	}
	return false
}

// ParseHashScheme parses a configured scheme name. Empty means the default.
func ParseHashScheme(s string) (HashScheme, error) {
	if s == "" {
		return DefaultHashScheme, nil
	}
	h := HashScheme(strings.ToLower(s))
	if !h.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownHashScheme, s)
	}
	return h, nil
}

// Secret holds the 32-byte preimage of a swap. The backing array is zeroed
// by Wipe and, failing that, when the value is garbage collected.
type Secret struct {
	mu    sync.Mutex
	b     [SecretSize]byte
	wiped bool
}

// CreateSecret returns a new random secret.
func CreateSecret() (*Secret, error) {
	s := newSecret()
	if _, err := rand.Read(s.b[:]); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return s, nil
}

// SecretFromBytes copies b into a new Secret. The caller keeps ownership of b.
func SecretFromBytes(b []byte) (*Secret, error) {
	if len(b) != SecretSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSecret, len(b))
	}
	s := newSecret()
	copy(s.b[:], b)
	return s, nil
}

// SecretFromHex decodes a hex-encoded secret.
func SecretFromHex(s string) (*Secret, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	defer helpers.Wipe(b)
	return SecretFromBytes(b)
}

func newSecret() *Secret {
	s := &Secret{}
	runtime.SetFinalizer(s, func(s *Secret) { s.Wipe() })
	return s
}

// Bytes returns a copy of the secret. Callers should wipe it after use.
func (s *Secret) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, SecretSize)
	copy(out, s.b[:])
	return out
}

// Hex returns the hex encoding of the secret. Only used for persistence.
func (s *Secret) Hex() string {
	b := s.Bytes()
	defer helpers.Wipe(b)
	return hex.EncodeToString(b)
}

// Clone returns an independent copy.
func (s *Secret) Clone() *Secret {
	c := newSecret()
	s.mu.Lock()
	c.b = s.b
	c.wiped = s.wiped
	s.mu.Unlock()
	return c
}

// Wipe zeroes the secret. It is safe to call more than once.
func (s *Secret) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	helpers.Wipe(s.b[:])
	s.wiped = true
}

// Wiped reports whether Wipe has been called.
func (s *Secret) Wiped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wiped
}

// String never prints the secret.
func (s *Secret) String() string {
	return "[secret redacted]"
}

// GoString never prints the secret.
func (s *Secret) GoString() string {
	return s.String()
}

// Commit derives the public commitment for secret under scheme.
func Commit(scheme HashScheme, secret *Secret) []byte {
	b := secret.Bytes()
	defer helpers.Wipe(b)
	return CommitBytes(scheme, b)
}

// CommitBytes derives the commitment for a raw preimage, as extracted from a
// redeem transaction.
func CommitBytes(scheme HashScheme, preimage []byte) []byte {
	first := sha256.Sum256(preimage)
	switch scheme {
	case HashSHA256:
		return first[:]
	case HashHash160:
		h := ripemd160.New()
		h.Write(first[:])
		return h.Sum(nil)
	default:
		second := sha256.Sum256(first[:])
		return second[:]
	}
}

// VerifySecret checks commit(secret) == hash in constant time.
func VerifySecret(scheme HashScheme, secret *Secret, hash []byte) bool {
	if secret == nil {
		return false
	}
	return helpers.ConstantTimeCompare(Commit(scheme, secret), hash)
}

// VerifyPreimage is VerifySecret for raw bytes.
func VerifyPreimage(scheme HashScheme, preimage, hash []byte) bool {
	if len(preimage) != SecretSize {
		return false
	}
	return helpers.ConstantTimeCompare(CommitBytes(scheme, preimage), hash)
}
