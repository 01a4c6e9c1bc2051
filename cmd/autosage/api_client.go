package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/autosage/pkg/models"
)

// apiClient talks to a running AutoSage server.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(baseURL, token string, timeout time.Duration) *apiClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx response. The envelope is set when the server
// returned a structured error.
type apiError struct {
	Path     string
	Status   int
	Envelope *models.ErrorEnvelope
	Body     string
}

func (e *apiError) Error() string {
	if e.Envelope != nil {
		return fmt.Sprintf("request %s failed: %d %s: %s", e.Path, e.Status, e.Envelope.Error.Code, e.Envelope.Error.Message)
	}
	if e.Body != "" {
		return fmt.Sprintf("request %s failed: %d (%s)", e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("request %s failed: %d", e.Path, e.Status)
}

func (c *apiClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	_, err := c.do(ctx, http.MethodGet, path, nil, out)
	return err
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload any, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

// download streams a raw response body to w.
func (c *apiClient) download(ctx context.Context, path string, w io.Writer) error {
	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(path, resp); err != nil {
		return err
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, out any) (int, error) {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(path, resp); err != nil {
		return resp.StatusCode, err
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

func (c *apiClient) send(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}

func checkStatus(path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &apiError{Path: path, Status: resp.StatusCode}
	var env models.ErrorEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Code != "" {
		apiErr.Envelope = &env
	} else {
		apiErr.Body = strings.TrimSpace(string(data))
	}
	return apiErr
}
