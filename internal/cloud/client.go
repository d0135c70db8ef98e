// Package cloud is the authenticated HTTPS client for the Parikshan edge
// API: login, config sync, event batch submission and heartbeats.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parikshan-ai/edge-agent/internal/config"
	"github.com/parikshan-ai/edge-agent/internal/queue"
)

// ErrLoginFailed is returned when the cloud rejects the agent credentials.
var ErrLoginFailed = errors.New("login rejected")

const defaultTimeout = 30 * time.Second

// SubmitResult reports the accepted prefix of a submitted batch.
type SubmitResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Metrics is the heartbeat payload.
type Metrics struct {
	AgentID             string `json:"agentId"`
	Status              string `json:"status"`
	ActiveCameras       int    `json:"activeCameras"`
	EventsProcessed     int64  `json:"eventsProcessed"`
	EventsQueuedOffline int    `json:"eventsQueuedOffline"`
	Version             string `json:"version"`
	Hostname            string `json:"hostname"`
	IPAddress           string `json:"ipAddress"`
}

// Client talks to the cloud control plane. Token state is guarded for
// concurrent method calls; only Login mutates it.
type Client struct {
	apiURL     string
	agentID    string
	secret     string
	schoolCode string

	http *http.Client

	session session
}

func NewClient(apiURL, agentID, secret, schoolCode string) *Client {
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		agentID:    agentID,
		secret:     secret,
		schoolCode: schoolCode,
		http:       &http.Client{Timeout: defaultTimeout},
	}
}

// Login authenticates and stores the session token. On failure the previous
// token (if any) is preserved; the caller decides whether to retry.
func (c *Client) Login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"agentId":    c.agentID,
		"secret":     c.secret,
		"schoolCode": c.schoolCode,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/edge/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Id", c.agentID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Printf("[Cloud] Login failed: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		return fmt.Errorf("%w: status %d", ErrLoginFailed, resp.StatusCode)
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expiresAt"`
		SchoolID  int    `json:"schoolId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("login: decode response: %w", err)
	}

	expiresAt, err := time.Parse(time.RFC3339, out.ExpiresAt)
	if err != nil {
		// Some deployments send opaque JWTs without a usable expiresAt
		// field; fall back to the token's exp claim.
		expiresAt = expiryFromToken(out.Token)
	}

	c.session.set(out.Token, expiresAt, out.SchoolID)
	log.Printf("[Cloud] Logged in successfully. School ID: %d", out.SchoolID)
	return nil
}

// EnsureAuthenticated re-authenticates when there is no token or the token
// has expired, comparing in the token's own timezone.
func (c *Client) EnsureAuthenticated(ctx context.Context) error {
	token, expiresAt, _ := c.session.get()
	if token != "" && (expiresAt.IsZero() || time.Now().In(expiresAt.Location()).Before(expiresAt)) {
		return nil
	}
	return c.Login(ctx)
}

// GetConfig fetches the configuration document. Returns nil on failure;
// callers retain their current configuration.
func (c *Client) GetConfig(ctx context.Context) (*config.Document, error) {
	if err := c.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/api/edge/config", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get config: status %d", resp.StatusCode)
	}

	var doc config.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("get config: decode: %w", err)
	}
	return &doc, nil
}

type wireEvent struct {
	Type      string          `json:"type"`
	CameraID  int             `json:"cameraId"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// SubmitEvents posts a batch. The server accepts a prefix of the batch and
// reports its length; a short prefix in a 200 response is a per-event
// rejection. Transport, auth and non-200 failures return an error instead:
// the cloud never saw (or never acknowledged) the batch, so it must not
// count against any event's retry budget.
func (c *Client) SubmitEvents(ctx context.Context, events []queue.Event) (SubmitResult, error) {
	if len(events) == 0 {
		return SubmitResult{}, nil
	}

	if err := c.EnsureAuthenticated(ctx); err != nil {
		return SubmitResult{}, fmt.Errorf("submit events: auth: %w", err)
	}

	formatted := make([]wireEvent, len(events))
	for i, e := range events {
		formatted[i] = wireEvent{
			Type:      e.Type,
			CameraID:  e.CameraID,
			Timestamp: e.Timestamp,
			Data:      e.Data,
		}
	}
	body, err := json.Marshal(map[string]interface{}{
		"agentId": c.agentID,
		"events":  formatted,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit events: marshal: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/edge/events", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SubmitResult{}, fmt.Errorf("submit events: status %d", resp.StatusCode)
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return SubmitResult{}, fmt.Errorf("submit events: decode: %w", err)
	}
	return result, nil
}

// SendHeartbeat is fire-and-forget: one attempt, no retry.
func (c *Client) SendHeartbeat(ctx context.Context, m Metrics) error {
	if err := c.EnsureAuthenticated(ctx); err != nil {
		return err
	}

	body, _ := json.Marshal(m)
	req, err := c.newRequest(ctx, http.MethodPost, "/api/edge/heartbeat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat: status %d", resp.StatusCode)
	}
	return nil
}

// SchoolID returns the id assigned at login, 0 before authentication.
func (c *Client) SchoolID() int {
	_, _, id := c.session.get()
	return id
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Id", c.agentID)
	if token, _, _ := c.session.get(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// expiryFromToken decodes the exp claim without verifying the signature;
// the agent only needs it for proactive refresh, the server remains the
// authority.
func expiryFromToken(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
