// Package provider implements the engine's outbound collaborators against a
// provider gateway: an internal HTTP service that owns OAuth tokens, talks to
// the Google APIs and performs the actual data sync. One GatewayClient
// satisfies services.ExternalSync, services.CredentialStore,
// services.PushProvider and services.Notifier.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/services"
)

// GatewayClient is a thin JSON client for the provider gateway. It performs a
// single request per call; retries are the engine's job.
type GatewayClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
}

// NewGatewayClient builds a client from configuration. A nil httpClient gets
// one with cfg.Timeout.
func NewGatewayClient(cfg config.GatewayConfig, httpClient *http.Client) *GatewayClient {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &GatewayClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		userAgent:  "go-sync-engine",
	}
}

var (
	_ services.ExternalSync    = (*GatewayClient)(nil)
	_ services.CredentialStore = (*GatewayClient)(nil)
	_ services.PushProvider    = (*GatewayClient)(nil)
	_ services.Notifier        = (*GatewayClient)(nil)
)

type runRequest struct {
	UserID  string             `json:"user_id"`
	Trigger domain.TriggerType `json:"trigger"`
}

type runResponse struct {
	ChangeDetected bool           `json:"change_detected"`
	ItemsProcessed int            `json:"items_processed"`
	Details        map[string]any `json:"details,omitempty"`
}

// Run asks the gateway to sync one pair.
func (c *GatewayClient) Run(ctx context.Context, userID string, integ domain.Integration, trigger domain.TriggerType) (services.SyncResult, error) {
	var out runResponse
	path := "/v1/sync/" + url.PathEscape(string(integ)) + "/run"
	if err := c.do(ctx, http.MethodPost, path, runRequest{UserID: userID, Trigger: trigger}, &out); err != nil {
		return services.SyncResult{}, err
	}
	return services.SyncResult{
		ChangeDetected: out.ChangeDetected,
		ItemsProcessed: out.ItemsProcessed,
		Details:        out.Details,
	}, nil
}

type credentialResponse struct {
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// GetToken reads the stored credential metadata; it never reaches Google.
// A gateway without a grant for the pair yields services.ErrNotConnected.
func (c *GatewayClient) GetToken(ctx context.Context, userID string, integ domain.Integration) (*services.Credential, error) {
	var out credentialResponse
	if err := c.do(ctx, http.MethodGet, credentialPath(userID, integ, ""), nil, &out); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, services.ErrNotConnected
		}
		return nil, err
	}
	return &services.Credential{ExpiresAt: out.ExpiresAt, Revoked: out.Revoked}, nil
}

// RefreshToken exchanges the refresh token.
func (c *GatewayClient) RefreshToken(ctx context.Context, userID string, integ domain.Integration) (*services.Credential, error) {
	var out credentialResponse
	if err := c.do(ctx, http.MethodPost, credentialPath(userID, integ, "/refresh"), struct{}{}, &out); err != nil {
		return nil, err
	}
	return &services.Credential{ExpiresAt: out.ExpiresAt, Revoked: out.Revoked}, nil
}

// MarkRevoked flags the grant unusable until the user reconnects.
func (c *GatewayClient) MarkRevoked(ctx context.Context, userID string, integ domain.Integration) error {
	return c.do(ctx, http.MethodPost, credentialPath(userID, integ, "/revoke"), struct{}{}, nil)
}

type watchRequest struct {
	UserID      string `json:"user_id"`
	ChannelID   string `json:"channel_id"`
	Token       string `json:"token"`
	CallbackURL string `json:"callback_url"`
}

type watchResponse struct {
	ResourceID string    `json:"resource_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Watch opens a push channel. The expiry in the response is the provider's.
func (c *GatewayClient) Watch(ctx context.Context, req services.WatchRequest) (services.WatchResponse, error) {
	var out watchResponse
	path := "/v1/push/" + url.PathEscape(string(req.Integration)) + "/watch"
	body := watchRequest{UserID: req.UserID, ChannelID: req.ChannelID, Token: req.Token, CallbackURL: req.CallbackURL}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return services.WatchResponse{}, err
	}
	return services.WatchResponse{ResourceID: out.ResourceID, ExpiresAt: out.ExpiresAt}, nil
}

type stopRequest struct {
	UserID     string `json:"user_id"`
	ChannelID  string `json:"channel_id"`
	ResourceID string `json:"resource_id"`
}

// Stop closes a push channel. A channel the provider no longer knows is not an error.
func (c *GatewayClient) Stop(ctx context.Context, userID string, integ domain.Integration, channelID, resourceID string) error {
	path := "/v1/push/" + url.PathEscape(string(integ)) + "/stop"
	err := c.do(ctx, http.MethodPost, path, stopRequest{UserID: userID, ChannelID: channelID, ResourceID: resourceID}, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// OnHealthChanged forwards a reconnect-required notice to the gateway's
// notification endpoint.
func (c *GatewayClient) OnHealthChanged(ctx context.Context, change services.HealthChange) error {
	return c.do(ctx, http.MethodPost, "/v1/notifications/health", change, nil)
}

func credentialPath(userID string, integ domain.Integration, suffix string) string {
	return "/v1/credentials/" + url.PathEscape(string(integ)) + "/" + url.PathEscape(userID) + suffix
}

// do sends one JSON request and decodes a 2xx body into out. Failures come
// back as *domain.SyncError (see classifyResponse) or *StatusError for
// statuses the taxonomy does not cover.
func (c *GatewayClient) do(ctx context.Context, method, path string, in, out any) error {
	ctx, span := otel.Tracer("provider/GatewayClient").Start(ctx, method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method)),
	)
	defer span.End()

	if c.baseURL == "" {
		return fmt.Errorf("provider gateway url is not configured")
	}

	var body io.Reader
	if in != nil {
		b, err := sonic.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return &domain.SyncError{Kind: domain.KindTransient, Err: ctx.Err(), Message: "timeout"}
		}
		return domain.NewTransientError(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.NewTransientError(fmt.Errorf("read %s response: %w", path, err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyResponse(resp.StatusCode, resp.Header, respBody, time.Now())
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
