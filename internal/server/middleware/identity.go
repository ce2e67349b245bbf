package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/crypto"
)

type callerKey struct{}

const maxSignedBody = 1 << 16

// RequestVerifier authenticates a signed request. *crypto.Verifier
// satisfies it.
type RequestVerifier interface {
	Verify(method, path string, body []byte, claimed, timestamp, signature string) (common.Address, error)
}

// Identity authenticates state-changing requests by their EIP-191 signature
// headers and stores the caller in the request context. Safe methods and
// the listed public paths pass through unauthenticated.
func Identity(v RequestVerifier, public ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions ||
				slices.Contains(public, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			addr, err := v.Verify(r.Method, r.URL.Path, body,
				r.Header.Get(crypto.HeaderAddress),
				r.Header.Get(crypto.HeaderTimestamp),
				r.Header.Get(crypto.HeaderSignature),
			)
			if err != nil {
				msg := "invalid request signature"
				if errors.Is(err, crypto.ErrStaleSignature) {
					msg = "request signature expired"
				}
				writeJSONError(w, http.StatusUnauthorized, msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
		})
	}
}

// WithCaller returns ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// Caller returns the authenticated caller, if any.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}
