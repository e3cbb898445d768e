package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultUserAgent is sent when neither the source nor the candidate sets one.
const DefaultUserAgent = "VLC/3.0.18 LibVLC/3.0.18"

// HeaderSettingClient wraps http.Client so every upstream request carries the
// player-like headers IPTV providers expect, plus per-stream overrides.
type HeaderSettingClient struct {
	Client    *http.Client
	userAgent string
}

// CustomResponseWriter wraps http.ResponseWriter to track headers and implement Flusher
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	statusCode  int
}

// NewHeaderSettingClient builds a client without an overall timeout; callers
// bound each request with a context instead.
func NewHeaderSettingClient(userAgent string) *HeaderSettingClient {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	client := &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &HeaderSettingClient{
		Client:    client,
		userAgent: userAgent,
	}
}

// Do sends req with the default headers applied.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	return hsc.DoWithHeaders(req, nil)
}

// DoWithHeaders sends req with the default headers, then overrides, applied.
func (hsc *HeaderSettingClient) DoWithHeaders(req *http.Request, overrides http.Header) (*http.Response, error) {
	hsc.setHeaders(req, overrides)
	return hsc.Client.Do(req)
}

// Get fetches url and returns the body when the upstream answers 2xx. The
// returned *StatusError carries the code otherwise.
func (hsc *HeaderSettingClient) Get(ctx context.Context, url string, overrides http.Header) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := hsc.DoWithHeaders(req, overrides)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	return resp.Body, nil
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request, overrides http.Header) {
	req.Header.Set("User-Agent", hsc.userAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	for key, values := range overrides {
		if len(values) == 0 || values[0] == "" {
			continue
		}
		req.Header.Set(key, values[0])
	}
}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.Code)
}

// NewCustomResponseWriter wraps w for streaming responses.
func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{ResponseWriter: w}
}

func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}

	crw.Header().Set("Connection", "keep-alive")
	crw.Header().Set("Cache-Control", "no-cache")

	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	return crw.ResponseWriter.Write(b)
}

// StatusCode returns the code written so far, or 0.
func (crw *CustomResponseWriter) StatusCode() int {
	return crw.statusCode
}

// Flush implements http.Flusher.
func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
