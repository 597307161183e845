// Package hashalg resolves digest algorithm names used by connection
// options (integrity, verify, checksum-based resync, peer authentication).
package hashalg

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"hash/crc32"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/sha3"
)

// Factory creates a fresh digest instance.
type Factory func() hash.Hash

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var registry = map[string]Factory{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
	"crc32c": func() hash.Hash { return crc32.New(castagnoli) },
	"blake2b-256": func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	},
	"blake2s-256": func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	},
	"sha3-256": sha3.New256,
	"sha3-512": sha3.New512,
}

// Lookup returns the factory for name. Names are case-insensitive.
func Lookup(name string) (Factory, error) {
	f, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown digest algorithm %q", name)
	}
	return f, nil
}

// HMAC returns a factory of keyed digests for peer authentication.
func HMAC(name string, secret []byte) (Factory, error) {
	f, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(name, "crc32c") {
		return nil, fmt.Errorf("%s can not be used for authentication", name)
	}
	key := append([]byte(nil), secret...)
	return func() hash.Hash { return hmac.New(f, key) }, nil
}

// Names lists the supported algorithms.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
