package challenges

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Score struct {
	UserID       string `json:"user_id"`
	AssignmentID string `json:"assignment_id"`
	LaunchID     string `json:"launch_id"`
	Completed    int    `json:"score_given"`
	Total        int    `json:"score_maximum"`
}

// ScoreReporter hands a score to the LMS side. The grade protocol itself lives
// outside this service.
type ScoreReporter interface {
	ReportScore(ctx context.Context, s Score) error
}

type LogReporter struct {
	Log *slog.Logger
}

func (r LogReporter) ReportScore(_ context.Context, s Score) error {
	r.Log.Info("score_ready",
		slog.String("user_id", s.UserID),
		slog.String("assignment_id", s.AssignmentID),
		slog.String("launch_id", s.LaunchID),
		slog.Int("completed", s.Completed),
		slog.Int("total", s.Total))
	return nil
}

// WebhookReporter posts scores to the LMS bridge. Each request carries a
// short-lived HS256 token so the bridge can trust the user and launch ids.
type WebhookReporter struct {
	url    string
	secret []byte
	issuer string
	client *http.Client
	now    func() time.Time
}

func NewWebhookReporter(url, secret, issuer string, timeout time.Duration) *WebhookReporter {
	return &WebhookReporter{
		url:    url,
		secret: []byte(secret),
		issuer: issuer,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

type scoreClaims struct {
	LaunchID string `json:"launch_id"`
	jwt.RegisteredClaims
}

func (r *WebhookReporter) token(s Score) (string, error) {
	now := r.now()
	claims := scoreClaims{
		LaunchID: s.LaunchID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.issuer,
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

func (r *WebhookReporter) ReportScore(ctx context.Context, s Score) error {
	tok, err := r.token(s)
	if err != nil {
		return fmt.Errorf("sign score token: %w", err)
	}
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post score: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post score: unexpected status %d", resp.StatusCode)
	}
	return nil
}
