package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/csai/sandbox-agent/internal/config"
)

const (
	headerTimestamp = "X-Agent-Timestamp"
	headerNonce     = "X-Agent-Nonce"
	headerSignature = "X-Agent-Signature"
	headerUser      = "X-Agent-User"
)

const maxSignedBody = 1 << 20

type ctxKey struct{}

// UserFromContext returns the caller-asserted user of a signed request.
func UserFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok && v != ""
}

type MiddlewareState struct {
	nonce *NonceCache
	now   func() time.Time
}

func NewMiddlewareState(nonceTTLSeconds int) *MiddlewareState {
	if nonceTTLSeconds <= 0 {
		nonceTTLSeconds = 360
	}
	return &MiddlewareState{
		nonce: NewNonceCache(time.Duration(nonceTTLSeconds) * time.Second),
		now:   time.Now,
	}
}

// Middleware accepts bearer or HMAC callers per cfg.Mode. The X-Agent-User
// header is only trusted when the HMAC signature covers it.
func (s *MiddlewareState) Middleware(cfg config.AuthConfig, next http.Handler) http.Handler {
	mode := strings.ToLower(cfg.Mode)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearerOK := false
		hmacOK := false

		if cfg.BearerToken != "" {
			bearerOK = validateBearer(r, cfg.BearerToken)
		}
		if cfg.HMACSecret != "" && mode != "bearer" {
			ok, err := s.validateHMAC(r, cfg.HMACSecret, cfg.HMACSkewSeconds)
			if err == nil {
				hmacOK = ok
			}
		}

		allowed := false
		switch mode {
		case "bearer":
			allowed = bearerOK
		case "hmac":
			allowed = hmacOK
		default:
			allowed = bearerOK || hmacOK
		}

		if !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"message":"Invalid API authentication."}`))
			return
		}
		if hmacOK {
			if user := r.Header.Get(headerUser); user != "" {
				r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, user))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func validateBearer(r *http.Request, token string) bool {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	provided := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return hmac.Equal([]byte(provided), []byte(token))
}

func (s *MiddlewareState) validateHMAC(r *http.Request, secret string, skewSecs int) (bool, error) {
	tsRaw := r.Header.Get(headerTimestamp)
	nonce := r.Header.Get(headerNonce)
	sigRaw := r.Header.Get(headerSignature)
	if tsRaw == "" || nonce == "" || sigRaw == "" {
		return false, fmt.Errorf("missing hmac headers")
	}

	tsUnix, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid timestamp")
	}
	t := time.Unix(tsUnix, 0).UTC()
	if skewSecs <= 0 {
		skewSecs = 300
	}
	now := s.now().UTC()
	if delta := now.Sub(t); delta > time.Duration(skewSecs)*time.Second || delta < -time.Duration(skewSecs)*time.Second {
		return false, fmt.Errorf("timestamp skew too large")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
	if err != nil {
		return false, err
	}
	if len(body) > maxSignedBody {
		return false, fmt.Errorf("body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	expected := Sign(secret, r.Method, r.URL.Path, tsRaw, nonce, r.Header.Get(headerUser), body)
	received := strings.TrimSpace(sigRaw)
	if !hmac.Equal([]byte(expected), []byte(received)) {
		return false, nil
	}
	if !s.nonce.MarkIfNew(nonce, now.Add(time.Duration(skewSecs+60)*time.Second)) {
		return false, fmt.Errorf("nonce replay detected")
	}
	return true, nil
}

// Sign computes the request signature callers must send in X-Agent-Signature.
// The user line is appended only when the request names a user.
func Sign(secret, method, path, timestamp, nonce, user string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	canonical := method + "\n" + path + "\n" + timestamp + "\n" + nonce + "\n" + hex.EncodeToString(bodyHash[:])
	if user != "" {
		canonical += "\n" + user
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
