package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAppliesDefaultAndOverrideHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	hsc := NewHeaderSettingClient("")
	overrides := http.Header{}
	overrides.Set("Referer", "https://provider.example/player")
	overrides.Set("Origin", "")

	body, err := hsc.Get(context.Background(), srv.URL, overrides)
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	body.Close()

	assert.Equal(t, "ok", string(data))
	assert.Equal(t, DefaultUserAgent, got.Get("User-Agent"))
	assert.Equal(t, "https://provider.example/player", got.Get("Referer"))
	assert.Empty(t, got.Get("Origin"))
}

func TestGetOverridesUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.UserAgent()
	}))
	defer srv.Close()

	overrides := http.Header{}
	overrides.Set("User-Agent", "SmartTV/1.0")
	body, err := NewHeaderSettingClient("Base/1.0").Get(context.Background(), srv.URL, overrides)
	require.NoError(t, err)
	body.Close()

	assert.Equal(t, "SmartTV/1.0", ua)
}

func TestGetReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewHeaderSettingClient("").Get(context.Background(), srv.URL, nil)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.Code)
}

func TestCustomResponseWriterDefaultsStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	crw := NewCustomResponseWriter(rec)

	_, err := crw.Write([]byte("ts"))
	require.NoError(t, err)
	crw.WriteHeader(http.StatusTeapot)
	crw.Flush()

	assert.Equal(t, http.StatusOK, crw.StatusCode())
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Flushed)
}
