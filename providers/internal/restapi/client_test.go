package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terradev/terradev/internal/resilience"
)

func TestAuthStyles(t *testing.T) {
	tests := []struct {
		name       string
		style      AuthStyle
		headerName string
		check      func(t *testing.T, r *http.Request)
	}{
		{
			name:  "bearer",
			style: AuthBearer,
			check: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			},
		},
		{
			name:  "api key",
			style: AuthAPIKey,
			check: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Api-Key secret", r.Header.Get("Authorization"))
			},
		},
		{
			name:       "custom header",
			style:      AuthHeader,
			headerName: "api_key",
			check: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "secret", r.Header.Get("api_key"))
			},
		},
		{
			name:  "basic",
			style: AuthBasic,
			check: func(t *testing.T, r *http.Request) {
				user, pass, ok := r.BasicAuth()
				require.True(t, ok)
				assert.Equal(t, "secret", user)
				assert.Empty(t, pass)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tt.check(t, r)
				w.Write([]byte(`{}`))
			}))
			defer srv.Close()

			c := New(srv.URL, "secret", tt.style)
			c.HeaderName = tt.headerName
			require.NoError(t, c.Get(context.Background(), "/check", nil))
		})
	}
}

func TestDoDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/launch", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "gpu-1", in["instance_type"])

		json.NewEncoder(w).Encode(map[string]string{"id": "i-123"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", AuthBearer)

	var out struct {
		ID string `json:"id"`
	}
	err := c.Post(context.Background(), "/launch", map[string]string{"instance_type": "gpu-1"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "i-123", out.ID)
}

func TestDoReturnsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", AuthBearer)
	err := c.Get(context.Background(), "/quota", nil)
	require.Error(t, err)

	var he *resilience.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusTooManyRequests, he.StatusCode)
	assert.Contains(t, he.Message, "slow down")
	assert.True(t, resilience.IsRateLimited(err))
}

func TestDeleteDiscardsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.Write([]byte(`{"status":"gone"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", AuthBearer)
	assert.NoError(t, c.Delete(context.Background(), "/instances/i-1"))
}

func TestQuery(t *testing.T) {
	assert.Empty(t, Query(nil))
	assert.Empty(t, Query(map[string]string{"region": ""}))
	assert.Equal(t, "?region=us-east", Query(map[string]string{"region": "us-east", "skip": ""}))

	q := Query(map[string]string{"a": "1", "b": "2"})
	assert.Contains(t, q, "a=1")
	assert.Contains(t, q, "b=2")
}

func TestNotFound(t *testing.T) {
	assert.True(t, NotFound(&resilience.HTTPError{StatusCode: 404}))
	assert.False(t, NotFound(&resilience.HTTPError{StatusCode: 500}))
	assert.False(t, NotFound(errors.New("dial tcp refused")))
	assert.False(t, NotFound(nil))
}
