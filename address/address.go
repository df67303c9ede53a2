// Package address provides normalization of wallet addresses used as cache
// keys, and the short form used when an address has no display name.
//
// A cache must use the same Normalizer for its whole lifetime. Normalizers
// never fail: input that is not recognized is returned with surrounding
// whitespace removed, so that lookups of unknown address formats still behave
// consistently.
package address

import (
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

// publicKeySize is the size of an ed25519 wallet public key.
const publicKeySize = 32

// Normalizer maps an address to the canonical form used as a cache key.
type Normalizer func(string) string

// Identity compares addresses exactly as given, apart from surrounding
// whitespace.
func Identity(addr string) string {
	return strings.TrimSpace(addr)
}

// Lowercase folds case. Suitable for hex addresses when checksums are not
// needed.
func Lowercase(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Base58 normalizes base58 encoded 32-byte wallet public keys to their
// canonical encoding.
func Base58(addr string) string {
	addr = strings.TrimSpace(addr)
	b, err := base58.Decode(addr)
	if err != nil || len(b) != publicKeySize {
		return addr
	}
	return base58.Encode(b)
}

// Checksum normalizes hex encoded EVM addresses to their EIP-55 mixed-case
// checksum form.
func Checksum(addr string) string {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}

// Shorten returns the first and last four characters of addr joined by an
// ellipsis. Addresses too short to benefit are returned unchanged.
func Shorten(addr string) string {
	const keep = 4
	if utf8.RuneCountInString(addr) <= 2*keep+1 {
		return addr
	}
	r := []rune(addr)
	return string(r[:keep]) + "…" + string(r[len(r)-keep:])
}
