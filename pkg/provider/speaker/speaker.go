// Package speaker implements the HTTP client for the external
// speaker-recognition service consulted by the speaker_recognition job
// (C5, spec §6). The service exposes a preferred combined
// diarize-identify-match endpoint and an older two-step fallback; both are
// wrapped in an [resilience.FallbackGroup] so a primary outage degrades to
// the fallback rather than failing the job outright.
package speaker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/chronicle-systems/chronicle/internal/resilience"
)

// Speaker is one identified or unidentified speaker segment returned by the
// recognition service.
type Speaker struct {
	Label      string  `json:"label"`
	Name       string  `json:"name,omitempty"`
	Confidence float64 `json:"confidence"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
}

// DiarizeResult is the normalised response from either recognition
// endpoint.
type DiarizeResult struct {
	Speakers []Speaker `json:"speakers"`
}

// EnrolledSpeaker describes one speaker profile already enrolled with the
// recognition service.
type EnrolledSpeaker struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// minTimeout and maxTimeout bound the per-call HTTP timeout computed by
// [timeoutFor]. The recognition service runs diarization synchronously, so
// the timeout must scale with the audio length rather than use a fixed
// value.
const (
	minTimeout    = 30 * time.Second
	maxTimeout    = 600 * time.Second
	perSecondCost = 8 * time.Second
)

// timeoutFor returns the request timeout for an audio clip of the given
// duration: 30s plus 8s per second of audio, clamped to [30s, 600s].
func timeoutFor(duration time.Duration) time.Duration {
	t := minTimeout + time.Duration(duration.Seconds()*float64(perSecondCost))
	if t > maxTimeout {
		return maxTimeout
	}
	if t < minTimeout {
		return minTimeout
	}
	return t
}

// Client talks to the speaker-recognition service's primary and fallback
// endpoints, enrollment endpoints, and speaker listing.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	fallback   *resilience.FallbackGroup[endpointCaller]
}

// endpointCaller wraps one HTTP call used as an entry in the FallbackGroup.
type endpointCaller struct {
	call func(ctx context.Context, audio []byte, filename string, duration time.Duration) (DiarizeResult, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client, e.g. to inject a
// transport with custom TLS settings in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sets the bearer token sent with every request, for deployments
// that put the speaker-recognition service behind an authenticating proxy.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// New creates a Client against baseURL (e.g. "http://speaker-service:8085").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}

	primary := endpointCaller{call: c.diarizeIdentifyMatch}
	group := resilience.NewFallbackGroup(primary, "diarize-identify-match", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: "speaker-recognition"},
	})
	group.AddFallback("diarize-and-identify", endpointCaller{call: c.diarizeAndIdentify})
	c.fallback = group

	return c
}

// DiarizeIdentify runs diarization and speaker identification over audio (a
// WAV or raw PCM buffer named filename) whose duration is duration. It tries
// the combined endpoint first and falls back to the two-step endpoint if the
// combined endpoint's circuit breaker is open or the call fails.
func (c *Client) DiarizeIdentify(ctx context.Context, audio []byte, filename string, duration time.Duration) (DiarizeResult, error) {
	return resilience.ExecuteWithResult(c.fallback, func(ep endpointCaller) (DiarizeResult, error) {
		return ep.call(ctx, audio, filename, duration)
	})
}

func (c *Client) diarizeIdentifyMatch(ctx context.Context, audio []byte, filename string, duration time.Duration) (DiarizeResult, error) {
	return c.postMultipart(ctx, "/v1/diarize-identify-match", audio, filename, duration)
}

func (c *Client) diarizeAndIdentify(ctx context.Context, audio []byte, filename string, duration time.Duration) (DiarizeResult, error) {
	return c.postMultipart(ctx, "/diarize-and-identify", audio, filename, duration)
}

func (c *Client) postMultipart(ctx context.Context, path string, audio []byte, filename string, duration time.Duration) (DiarizeResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return DiarizeResult{}, fmt.Errorf("speaker: create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return DiarizeResult{}, fmt.Errorf("speaker: write audio: %w", err)
	}
	if err := w.Close(); err != nil {
		return DiarizeResult{}, fmt.Errorf("speaker: close multipart writer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutFor(duration))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return DiarizeResult{}, fmt.Errorf("speaker: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DiarizeResult{}, fmt.Errorf("speaker: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return DiarizeResult{}, fmt.Errorf("speaker: %s returned status %d: %s", path, resp.StatusCode, data)
	}

	var result DiarizeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return DiarizeResult{}, fmt.Errorf("speaker: decode response from %s: %w", path, err)
	}
	return result, nil
}

// ListSpeakers fetches every speaker profile currently enrolled.
func (c *Client) ListSpeakers(ctx context.Context) ([]EnrolledSpeaker, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/speakers", nil)
	if err != nil {
		return nil, fmt.Errorf("speaker: build request: %w", err)
	}
	c.setAuthHeader(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speaker: list speakers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("speaker: /speakers returned status %d: %s", resp.StatusCode, data)
	}

	var speakers []EnrolledSpeaker
	if err := json.NewDecoder(resp.Body).Decode(&speakers); err != nil {
		return nil, fmt.Errorf("speaker: decode speaker list: %w", err)
	}
	return speakers, nil
}

// Enroll uploads a fresh audio sample to create a new enrolled speaker
// profile named name.
func (c *Client) Enroll(ctx context.Context, name string, audio []byte, filename string) error {
	return c.enroll(ctx, "/enroll/upload", name, audio, filename)
}

// EnrollAppend adds another audio sample to an existing speaker profile
// named name, improving future match confidence.
func (c *Client) EnrollAppend(ctx context.Context, name string, audio []byte, filename string) error {
	return c.enroll(ctx, "/enroll/append", name, audio, filename)
}

func (c *Client) enroll(ctx context.Context, path, name string, audio []byte, filename string) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("name", name); err != nil {
		return fmt.Errorf("speaker: write name field: %w", err)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("speaker: create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return fmt.Errorf("speaker: write audio: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("speaker: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return fmt.Errorf("speaker: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("speaker: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("speaker: %s returned status %d: %s", path, resp.StatusCode, data)
	}
	return nil
}
