package crypto

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/0xrin1/flippening/internal/domain"
)

// Request headers carrying a caller's identity.
const (
	HeaderAddress   = "X-Flip-Address"
	HeaderTimestamp = "X-Flip-Timestamp"
	HeaderSignature = "X-Flip-Signature"
)

// ErrStaleSignature is returned when a request timestamp is outside the
// accepted skew.
var ErrStaleSignature = errors.New("crypto: signature timestamp outside allowed skew")

// RecoverAddress returns the account that produced an EIP-191 signature
// over msg. Both {0,1} and {27,28} recovery ids are accepted.
func RecoverAddress(msg []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: signature hex: %w", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("crypto: signature must be %d bytes, got %d", ethcrypto.SignatureLength, len(sig))
	}
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verifier authenticates signed API requests.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier accepts timestamps within maxSkew of the local clock.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Verifier{maxSkew: maxSkew, now: time.Now}
}

// WithClock overrides the time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks the signature headers of a request and returns the
// authenticated caller. A signature by any account other than the claimed
// one fails with domain.ErrUnauthorized.
func (v *Verifier) Verify(method, path string, body []byte, claimed, timestamp, signature string) (common.Address, error) {
	if !common.IsHexAddress(claimed) || timestamp == "" || signature == "" {
		return common.Address{}, fmt.Errorf("crypto: missing identity headers: %w", domain.ErrUnauthorized)
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: timestamp %q: %w", timestamp, domain.ErrUnauthorized)
	}
	skew := v.now().Sub(time.Unix(unix, 0))
	if skew > v.maxSkew || skew < -v.maxSkew {
		return common.Address{}, fmt.Errorf("%w: %w", ErrStaleSignature, domain.ErrUnauthorized)
	}

	addr, err := RecoverAddress(RequestMessage(method, path, unix, body), signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", err, domain.ErrUnauthorized)
	}
	if addr != common.HexToAddress(claimed) {
		return common.Address{}, fmt.Errorf("crypto: signature by %s, claimed %s: %w", addr.Hex(), claimed, domain.ErrUnauthorized)
	}
	return addr, nil
}
