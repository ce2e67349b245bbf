package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer produces EIP-191 personal_sign signatures over API requests. It is
// the client half of Verifier.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// NewSignerFromHex parses a hex private key.
func NewSignerFromHex(privateKeyHex string) (*Signer, error) {
	key, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return NewSigner(key), nil
}

// Address returns the signing account.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignRequest signs the canonical request message and returns the
// 0x-prefixed 65-byte signature with v in {27, 28}.
func (s *Signer) SignRequest(method, path string, body []byte, at time.Time) (string, error) {
	return s.SignMessage(RequestMessage(method, path, at.Unix(), body))
}

// SignMessage signs msg under the EIP-191 personal message prefix.
func (s *Signer) SignMessage(msg []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RequestMessage is the text a caller signs: method, path, unix timestamp
// and the hex sha256 of the body, newline separated.
func RequestMessage(method, path string, unix int64, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		"flippening request",
		strings.ToUpper(method),
		path,
		strconv.FormatInt(unix, 10),
		hex.EncodeToString(sum[:]),
	}, "\n"))
}
