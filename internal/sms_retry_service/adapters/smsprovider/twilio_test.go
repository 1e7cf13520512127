package smsprovider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/platform/logger"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

func TestTwilioProvider_GetName(t *testing.T) {
	p := NewTwilioProvider(logger.Discard(), "", "AC1", "token", "+15005550006", nil)
	assert.Equal(t, "twilio", p.GetName())
}

func TestTwilioProvider_Send_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "+15005550006", r.PostForm.Get("To"))
		assert.Equal(t, "+15005550001", r.PostForm.Get("From"))
		assert.Equal(t, "Hello retry", r.PostForm.Get("Body"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM0123456789","status":"queued"}`))
	}))
	defer server.Close()

	p := NewTwilioProvider(logger.Discard(), server.URL+"/", "AC123", "secret", "+15005550001", server.Client())
	id, err := p.Send(context.Background(), "+15005550006", "Hello retry")
	require.NoError(t, err)
	assert.Equal(t, "SM0123456789", id)
}

func TestTwilioProvider_Send_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"The 'To' number is not a valid phone number.","more_info":"https://www.twilio.com/docs/errors/21211","status":400}`))
	}))
	defer server.Close()

	p := NewTwilioProvider(logger.Discard(), server.URL, "AC123", "secret", "+15005550001", server.Client())
	id, err := p.Send(context.Background(), "+1", "Hello")
	require.Error(t, err)
	assert.Empty(t, id)

	var sendErr *domain.SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, "21211", sendErr.Code)
	assert.Contains(t, sendErr.Message, "not a valid phone number")
	assert.False(t, sendErr.Temporary)
}

func TestTwilioProvider_Send_UnstructuredErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  string
		temporary bool
	}{
		{"RateLimited", http.StatusTooManyRequests, "20429", true},
		{"Unavailable", http.StatusServiceUnavailable, "20503", true},
		{"InternalError", http.StatusBadGateway, "20500", true},
		{"Forbidden", http.StatusForbidden, "HTTP_403", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("upstream trouble"))
			}))
			defer server.Close()

			p := NewTwilioProvider(logger.Discard(), server.URL, "AC123", "secret", "+15005550001", server.Client())
			_, err := p.Send(context.Background(), "+15005550006", "Hello")

			var sendErr *domain.SendError
			require.True(t, errors.As(err, &sendErr))
			assert.Equal(t, tt.wantCode, sendErr.Code)
			assert.Equal(t, "upstream trouble", sendErr.Message)
			assert.Equal(t, tt.temporary, sendErr.Temporary)
		})
	}
}

func TestTwilioProvider_Send_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p := NewTwilioProvider(logger.Discard(), server.URL, "AC123", "secret", "+15005550001", server.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Send(ctx, "+15005550006", "Hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var sendErr *domain.SendError
	assert.False(t, errors.As(err, &sendErr), "transport failures carry no provider code")
}

func TestTwilioProvider_Send_MissingSID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	}))
	defer server.Close()

	p := NewTwilioProvider(logger.Discard(), server.URL, "AC123", "secret", "+15005550001", server.Client())
	_, err := p.Send(context.Background(), "+15005550006", "Hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without message sid")
}

func TestMockProvider_Send(t *testing.T) {
	p := NewMockProvider(logger.Discard(), "", 0)
	assert.Equal(t, "mock", p.GetName())
	id, err := p.Send(context.Background(), "+15005550006", "hi")
	require.NoError(t, err)
	assert.Regexp(t, `^mock-`, id)

	failing := NewMockProvider(logger.Discard(), "30001", 0)
	_, err = failing.Send(context.Background(), "+15005550006", "hi")
	var sendErr *domain.SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, "30001", sendErr.Code)

	slow := NewMockProvider(logger.Discard(), "", time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = slow.Send(ctx, "+15005550006", "hi")
	assert.ErrorIs(t, err, context.Canceled)
}
