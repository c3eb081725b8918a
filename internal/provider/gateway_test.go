package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-sync-engine/internal/config"
	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/services"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *GatewayClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewGatewayClient(config.GatewayConfig{BaseURL: srv.URL + "/", Token: "secret", Timeout: 2 * time.Second}, nil)
}

func TestRun_SendsRequestAndDecodes(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = sonic.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"change_detected":true,"items_processed":7,"details":{"pages":2}}`))
	})

	res, err := c.Run(context.Background(), "u1", domain.IntegrationCalendar, domain.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, "/v1/sync/google_calendar/run", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "u1", gotBody["user_id"])
	assert.Equal(t, "scheduled", gotBody["trigger"])
	assert.True(t, res.ChangeDetected)
	assert.Equal(t, 7, res.ItemsProcessed)
	assert.EqualValues(t, 2, res.Details["pages"])
}

func TestRun_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		header     map[string]string
		body       string
		kind       domain.ErrorKind
		revoked    bool
		retryAfter time.Duration
	}{
		{name: "unauthorized", status: 401, body: `{"code":"expired","message":"token expired"}`, kind: domain.KindCredential},
		{name: "revoked grant", status: 401, body: `{"code":"invalid_grant"}`, kind: domain.KindCredential, revoked: true},
		{name: "forbidden revoked", status: 403, body: `{"code":"REVOKED"}`, kind: domain.KindCredential, revoked: true},
		{name: "rate limited seconds", status: 429, header: map[string]string{"Retry-After": "120"}, kind: domain.KindRateLimit, retryAfter: 2 * time.Minute},
		{name: "rate limited no hint", status: 429, kind: domain.KindRateLimit},
		{name: "server error", status: 503, body: "upstream down", kind: domain.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.Run(context.Background(), "u1", domain.IntegrationContacts, domain.TriggerManual)
			require.Error(t, err)

			var se *domain.SyncError
			require.True(t, errors.As(err, &se), "want *domain.SyncError, got %T", err)
			assert.Equal(t, tc.kind, se.Kind)
			assert.Equal(t, tc.revoked, se.Revoked)
			assert.Equal(t, tc.retryAfter, se.RetryAfter)

			var status *StatusError
			require.True(t, errors.As(err, &status))
			assert.Equal(t, tc.status, status.Code)
		})
	}
}

func TestRun_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewGatewayClient(config.GatewayConfig{BaseURL: url}, nil)
	_, err := c.Run(context.Background(), "u1", domain.IntegrationCalendar, domain.TriggerManual)
	assert.True(t, domain.IsKind(err, domain.KindTransient), "got %v", err)
}

func TestRun_ContextDeadline(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Run(ctx, "u1", domain.IntegrationCalendar, domain.TriggerScheduled)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTransient))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetToken(t *testing.T) {
	exp := time.Date(2025, 6, 8, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/credentials/google_calendar/u1":
			assert.Equal(t, http.MethodGet, r.Method)
			_, _ = w.Write([]byte(`{"expires_at":"2025-06-08T12:00:00Z","revoked":false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"not_found","message":"no grant"}`))
		}
	})

	cred, err := c.GetToken(context.Background(), "u1", domain.IntegrationCalendar)
	require.NoError(t, err)
	require.NotNil(t, cred.ExpiresAt)
	assert.True(t, cred.ExpiresAt.Equal(exp))
	assert.False(t, cred.Revoked)

	_, err = c.GetToken(context.Background(), "ghost", domain.IntegrationCalendar)
	assert.ErrorIs(t, err, services.ErrNotConnected)
}

func TestRefreshAndRevoke(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/refresh") {
			_, _ = w.Write([]byte(`{"expires_at":"2025-06-08T12:00:00Z"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	cred, err := c.RefreshToken(context.Background(), "u/2", domain.IntegrationContacts)
	require.NoError(t, err)
	assert.NotNil(t, cred.ExpiresAt)
	require.NoError(t, c.MarkRevoked(context.Background(), "u1", domain.IntegrationContacts))
	assert.Equal(t, []string{
		"POST /v1/credentials/google_contacts/u/2/refresh",
		"POST /v1/credentials/google_contacts/u1/revoke",
	}, paths)
}

func TestWatchAndStop(t *testing.T) {
	var watchBody map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/push/google_calendar/watch":
			b, _ := io.ReadAll(r.Body)
			_ = sonic.Unmarshal(b, &watchBody)
			_, _ = w.Write([]byte(`{"resource_id":"res-1","expires_at":"2025-06-08T12:00:00Z"}`))
		case "/v1/push/google_calendar/stop":
			w.WriteHeader(http.StatusNotFound)
		}
	})

	resp, err := c.Watch(context.Background(), services.WatchRequest{
		UserID: "u1", Integration: domain.IntegrationCalendar,
		ChannelID: "ch-1", Token: "tok", CallbackURL: "https://engine.example.com/webhooks/google_calendar",
	})
	require.NoError(t, err)
	assert.Equal(t, "res-1", resp.ResourceID)
	assert.Equal(t, "ch-1", watchBody["channel_id"])
	assert.Equal(t, "tok", watchBody["token"])

	// An unknown channel is already stopped.
	assert.NoError(t, c.Stop(context.Background(), "u1", domain.IntegrationCalendar, "ch-1", "res-1"))
}

func TestOnHealthChanged(t *testing.T) {
	var got services.HealthChange
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/notifications/health", r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		_ = sonic.Unmarshal(b, &got)
		w.WriteHeader(http.StatusAccepted)
	})
	err := c.OnHealthChanged(context.Background(), services.HealthChange{
		UserID: "u1", Integration: domain.IntegrationCalendar,
		From: domain.TokenValid, To: domain.TokenRevoked,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TokenRevoked, got.To)
}

func TestUnconfiguredGateway(t *testing.T) {
	c := NewGatewayClient(config.GatewayConfig{}, nil)
	_, err := c.Run(context.Background(), "u1", domain.IntegrationCalendar, domain.TriggerManual)
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("0", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}
