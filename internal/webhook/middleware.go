package webhook

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

const maxInboundBody = 1 << 20

// SecretResolver returns the shared secret for an inbound request.
type SecretResolver func(r *http.Request) (string, error)

// Middleware rejects requests whose signature headers do not verify against
// the resolved secret. The body is restored for the next handler.
func (s *SignatureService) Middleware(resolve SecretResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody+1))
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			if len(body) > maxInboundBody {
				http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
				return
			}

			secret, err := resolve(r)
			if err != nil || secret == "" {
				http.Error(w, "unknown sender", http.StatusUnauthorized)
				return
			}

			if err := s.VerifyInbound(r.Context(), r.Header, body, secret); err != nil {
				status := http.StatusUnauthorized
				if !isVerificationError(err) {
					status = http.StatusInternalServerError
					slog.Error("Inbound webhook verification failed", "error", err)
				}
				http.Error(w, err.Error(), status)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func isVerificationError(err error) bool {
	return errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrStaleTimestamp) ||
		errors.Is(err, ErrReplayedSignature) ||
		errors.Is(err, ErrInvalidSignature)
}
