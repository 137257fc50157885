// Package keycodec translates between local record keys and remote path
// segments, and mints new keys.
//
// Remote paths treat '.', '#', '$', '[', ']' and '/' as reserved. ToRemote
// replaces each of them, and the escape character '%' itself, with '%' plus
// two upper-case hex digits. ToLocal accepts exactly the strings ToRemote can
// produce, so the mapping is a bijection between valid local keys and valid
// remote keys.
package keycodec

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

const escapeChar = '%'

// reserved lists every byte ToRemote escapes.
const reserved = ".#$[]/%"

const hexDigits = "0123456789ABCDEF"

// DecodeError reports a remote key that no local key encodes to.
type DecodeError struct {
	Key    string
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("decode remote key %q: %s at offset %d", e.Key, e.Reason, e.Offset)
	}
	return fmt.Sprintf("decode remote key %q: %s", e.Key, e.Reason)
}

// ValidLocal reports whether k can be used as a local key.
func ValidLocal(k string) error {
	if k == "" {
		return fmt.Errorf("local key is empty")
	}
	if !utf8.ValidString(k) {
		return fmt.Errorf("local key %q is not valid UTF-8", k)
	}
	return nil
}

// ToRemote escapes the reserved characters of a local key.
func ToRemote(local string) string {
	if !strings.ContainsAny(local, reserved) {
		return local
	}

	var b strings.Builder
	b.Grow(len(local) + 8)
	for i := 0; i < len(local); i++ {
		c := local[i]
		if strings.IndexByte(reserved, c) >= 0 {
			b.WriteByte(escapeChar)
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0F])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ToLocal is the exact inverse of ToRemote.
// It returns a *DecodeError for input ToRemote could never produce.
func ToLocal(remote string) (string, error) {
	if remote == "" {
		return "", &DecodeError{Key: remote, Offset: -1, Reason: "empty key"}
	}
	if !utf8.ValidString(remote) {
		return "", &DecodeError{Key: remote, Offset: -1, Reason: "invalid UTF-8"}
	}

	var b strings.Builder
	b.Grow(len(remote))
	for i := 0; i < len(remote); i++ {
		c := remote[i]
		if c != escapeChar {
			if strings.IndexByte(reserved, c) >= 0 {
				return "", &DecodeError{Key: remote, Offset: i, Reason: fmt.Sprintf("unescaped reserved character %q", c)}
			}
			b.WriteByte(c)
			continue
		}

		if i+2 >= len(remote) {
			return "", &DecodeError{Key: remote, Offset: i, Reason: "truncated escape"}
		}
		hi := strings.IndexByte(hexDigits, remote[i+1])
		lo := strings.IndexByte(hexDigits, remote[i+2])
		if hi < 0 || lo < 0 {
			return "", &DecodeError{Key: remote, Offset: i, Reason: "escape is not two upper-case hex digits"}
		}
		decoded := byte(hi<<4 | lo)
		if strings.IndexByte(reserved, decoded) < 0 {
			return "", &DecodeError{Key: remote, Offset: i, Reason: fmt.Sprintf("escape of non-reserved character %q", decoded)}
		}
		b.WriteByte(decoded)
		i += 2
	}
	return b.String(), nil
}

// Generator mints new keys.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 keys.
// The timestamp in the high bits makes keys sort roughly by creation time.
// None of the characters in a UUID string are reserved, so ToRemote is the
// identity on them.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if the random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewKey returns a fresh UUIDv7 key.
func NewKey() string {
	return UUIDv7Generator{}.Generate()
}

// FixedGenerator returns predetermined keys, for deterministic tests.
// Safe for concurrent use.
type FixedGenerator struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

// NewFixedGenerator creates a generator that returns keys in order.
func NewFixedGenerator(keys ...string) *FixedGenerator {
	return &FixedGenerator{keys: keys}
}

// Generate returns the next key. Panics once every key has been used,
// which surfaces a test that minted more keys than it expected.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.keys) {
		panic("FixedGenerator: all keys exhausted")
	}
	k := g.keys[g.idx]
	g.idx++
	return k
}

// Remaining returns how many keys are left.
func (g *FixedGenerator) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys) - g.idx
}
