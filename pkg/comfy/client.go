package comfy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Client talks to a ComfyUI-compatible generation backend over HTTP
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
}

// New creates a backend client. clientID is echoed back by the backend in
// websocket traffic; we pass it on submissions so queue entries are ours.
func New(baseURL, clientID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	log.Info().
		Str("base_url", baseURL).
		Str("client_id", clientID).
		Dur("timeout", timeout).
		Msg("Initializing generation backend client")

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		clientID:   clientID,
	}
}

// BaseURL returns the backend address the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// request is the internal method that makes an HTTP request against the
// backend. A nil payload sends an empty body.
func (c *Client) request(method, endpoint string, payload any) ([]byte, error) {
	requestID := fmt.Sprintf("req_%d", time.Now().UnixNano())
	startTime := time.Now()

	url := fmt.Sprintf("%s%s", c.baseURL, endpoint)

	log.Debug().
		Str("request_id", requestID).
		Str("method", method).
		Str("endpoint", endpoint).
		Msg("Preparing backend request")

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			log.Error().
				Str("request_id", requestID).
				Err(err).
				Str("endpoint", endpoint).
				Msg("Error encoding request payload")
			return nil, fmt.Errorf("error encoding payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		log.Error().
			Str("request_id", requestID).
			Err(err).
			Str("url", url).
			Msg("Error creating request")
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	execStart := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error().
			Str("request_id", requestID).
			Err(err).
			Str("url", url).
			Dur("total_duration", time.Since(startTime)).
			Msg("Error executing request")
		return nil, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error().
			Str("request_id", requestID).
			Err(err).
			Str("url", url).
			Int("status_code", resp.StatusCode).
			Dur("total_duration", time.Since(startTime)).
			Msg("Error reading response body")
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseAPIError(resp.StatusCode, respBody)
		log.Error().
			Str("request_id", requestID).
			Err(apiErr).
			Str("url", url).
			Int("status_code", resp.StatusCode).
			Int("response_size", len(respBody)).
			Dur("exec_duration", time.Since(execStart)).
			Dur("total_duration", time.Since(startTime)).
			Msg("Backend returned error response")
		return nil, apiErr
	}

	log.Debug().
		Str("request_id", requestID).
		Str("url", url).
		Int("status_code", resp.StatusCode).
		Int("response_size", len(respBody)).
		Dur("exec_duration", time.Since(execStart)).
		Dur("total_duration", time.Since(startTime)).
		Msg("Backend request completed")

	return respBody, nil
}

// parseAPIError extracts error information from a backend response
func parseAPIError(statusCode int, respBody []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Details string `json:"details"`
		} `json:"error"`
		NodeErrors map[string]any `json:"node_errors"`
	}

	if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Details != "" {
			return fmt.Errorf("backend error: %s - %s", errResp.Error.Message, errResp.Error.Details)
		}
		return fmt.Errorf("backend error: %s", errResp.Error.Message)
	}

	return fmt.Errorf("backend error: status code %d", statusCode)
}

// Health reports whether the backend answers its stats endpoint.
func (c *Client) Health() bool {
	_, err := c.request(http.MethodGet, "/system_stats", nil)
	if err != nil {
		log.Warn().Err(err).Msg("Backend health check failed")
		return false
	}
	return true
}
