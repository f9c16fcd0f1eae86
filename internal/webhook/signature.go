// Package webhook delivers signed merchant notifications with bounded,
// durable retries, and verifies signatures on inbound requests.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/paywatch/internal/indexing/metrics"
)

const (
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"

	signatureVersion = "v1"
)

var (
	ErrMissingSignature  = errors.New("webhook: missing signature headers")
	ErrStaleTimestamp    = errors.New("webhook: timestamp outside allowed skew")
	ErrReplayedSignature = errors.New("webhook: signature already used")
	ErrInvalidSignature  = errors.New("webhook: invalid signature")
)

// ReplayCache remembers accepted signatures for a TTL.
type ReplayCache interface {
	// Seen reports whether the signature was recorded and has not expired
	Seen(ctx context.Context, signature string) (bool, error)

	// Record stores the signature; false means it was already present
	Record(ctx context.Context, signature string, ttl time.Duration) (bool, error)
}

// SignatureService signs outbound payloads and verifies inbound ones.
type SignatureService struct {
	maxSkew   time.Duration
	replayTTL time.Duration
	replay    ReplayCache
	now       func() time.Time
}

// NewSignatureService creates a signature service.
func NewSignatureService(maxSkew, replayTTL time.Duration, replay ReplayCache) *SignatureService {
	return &SignatureService{
		maxSkew:   maxSkew,
		replayTTL: replayTTL,
		replay:    replay,
		now:       time.Now,
	}
}

// Sign returns hex(HMAC-SHA256(secret, "{ts}.{body}")).
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// BuildOutboundHeaders returns the timestamp and signature headers for body
// signed at t.
func (s *SignatureService) BuildOutboundHeaders(secret string, body []byte, t time.Time) http.Header {
	ts := t.Unix()
	h := http.Header{}
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderSignature, signatureVersion+"="+Sign(secret, ts, body))
	return h
}

// VerifyInbound checks the headers against body and secret. A signature is
// accepted once per replay TTL.
func (s *SignatureService) VerifyInbound(ctx context.Context, h http.Header, body []byte, secret string) error {
	err := s.verify(ctx, h, body, secret)
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	metrics.WebhookVerifications.WithLabelValues(result).Inc()
	return err
}

func (s *SignatureService) verify(ctx context.Context, h http.Header, body []byte, secret string) error {
	tsHeader := h.Get(HeaderTimestamp)
	sigHeader := h.Get(HeaderSignature)
	if tsHeader == "" || sigHeader == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	skew := s.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.maxSkew {
		return ErrStaleTimestamp
	}

	signature, ok := parseSignature(sigHeader)
	if !ok {
		return fmt.Errorf("%w: unsupported signature format", ErrInvalidSignature)
	}

	if s.replay != nil {
		seen, err := s.replay.Seen(ctx, signature)
		if err != nil {
			return fmt.Errorf("failed to check replay cache: %w", err)
		}
		if seen {
			return ErrReplayedSignature
		}
	}

	expected := Sign(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}

	if s.replay != nil {
		recorded, err := s.replay.Record(ctx, signature, s.replayTTL)
		if err != nil {
			return fmt.Errorf("failed to record signature: %w", err)
		}
		if !recorded {
			return ErrReplayedSignature
		}
	}
	return nil
}

// parseSignature extracts the v1 value from "v1=<hex>[,...]".
func parseSignature(header string) (string, bool) {
	for _, part := range strings.Split(header, ",") {
		version, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && version == signatureVersion && value != "" {
			return strings.ToLower(value), true
		}
	}
	return "", false
}
