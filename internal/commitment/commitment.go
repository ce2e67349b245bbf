// Package commitment implements the commit-reveal scheme used by wagers. A
// creator publishes the SHA-256 digest of a secret of the form
// "<salt> <true|false>" and later reveals the secret to settle.
package commitment

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/0xrin1/flippening/internal/domain"
)

// Commitment is the published digest of a secret.
type Commitment common.Hash

// Reveal is a secret disclosed at settlement.
type Reveal string

// Commit returns the digest of secret.
func Commit(secret string) Commitment {
	return Commitment(sha256.Sum256([]byte(secret)))
}

// Verify reports whether secret opens c.
func Verify(secret string, c Commitment) bool {
	d := Commit(secret)
	return subtle.ConstantTimeCompare(d[:], c[:]) == 1
}

// ExtractOutcome returns the outcome encoded in secret. The outcome token
// follows the last space, so salts may contain spaces. Only a final token of
// exactly "false" yields false; anything else, including an empty token after
// a trailing space or a secret with no separator, yields true.
func ExtractOutcome(secret string) bool {
	return ParseChoice(lastToken(secret))
}

// ParseChoice normalizes a guess or outcome token with the same asymmetric
// rule used for reveals.
func ParseChoice(token string) bool {
	return token != "false"
}

func lastToken(secret string) string {
	i := strings.LastIndexByte(secret, ' ')
	if i < 0 {
		return ""
	}
	return secret[i+1:]
}

// Open verifies r against c and returns the encoded outcome. A reveal that
// does not hash to c fails with domain.ErrSecretMismatch.
func (r Reveal) Open(c Commitment) (bool, error) {
	if !Verify(string(r), c) {
		return false, fmt.Errorf("commitment: open: %w", domain.ErrSecretMismatch)
	}
	return ExtractOutcome(string(r)), nil
}

// Hash returns the commitment as a go-ethereum hash.
func (c Commitment) Hash() common.Hash { return common.Hash(c) }

// Hex returns the 0x-prefixed hex encoding.
func (c Commitment) Hex() string { return common.Hash(c).Hex() }

// Parse decodes a 0x-prefixed 32-byte hex digest.
func Parse(s string) (Commitment, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return Commitment{}, fmt.Errorf("commitment: parse: %w", err)
	}
	if len(b) != common.HashLength {
		return Commitment{}, fmt.Errorf("commitment: parse: want %d bytes, got %d", common.HashLength, len(b))
	}
	return Commitment(common.BytesToHash(b)), nil
}

// Secret formats a secret from a salt and an outcome.
func Secret(salt string, outcome bool) string {
	if outcome {
		return salt + " true"
	}
	return salt + " false"
}
