package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HTTPClient executes queries against the gateway's HTTP endpoint.
type HTTPClient struct {
	BaseURL string
	// Timeout bounds each call, not a whole run.
	Timeout time.Duration
	// JWTSecret signs a short-lived service token per request when set.
	JWTSecret      string
	ServiceAccount string
	Regions        []string
	HTTPClient     *http.Client
	Now            func() time.Time
}

// NewHTTPClient creates a client with sane defaults.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		BaseURL:    baseURL,
		Timeout:    timeout,
		HTTPClient: &http.Client{},
		Now:        time.Now,
	}
}

func (c *HTTPClient) Execute(ctx context.Context, q Query) (Result, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(q); err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/query", &buf)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.JWTSecret != "" {
		token, err := c.serviceToken()
		if err != nil {
			return Result{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrTransport, q.Name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Result{}, fmt.Errorf("%w: %s: %v", ErrTransport, q.Name, err)
		}
		return Result{}, err
	}
	if resp.StatusCode >= 300 {
		return Result{}, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return Result{Body: body}, nil
}

func (c *HTTPClient) serviceToken() (string, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	issued := now().UTC()
	claims := jwt.MapClaims{
		"sub": c.ServiceAccount,
		"iat": issued.Unix(),
		"exp": issued.Add(5 * time.Minute).Unix(),
	}
	if len(c.Regions) > 0 {
		claims["regions"] = c.Regions
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.JWTSecret))
}
