// Package decisionsvc 是外部决策服务的 HTTP 传输层：每个阶段 POST {base}/{stage}。
package decisionsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradeloop/internal/logger"

	"github.com/tidwall/gjson"
)

const maxBodyBytes = 4 << 20

type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	ExtraHeaders map[string]string
	// Retry-After 提示的上限；重试本身由 decision.Service 负责
	MaxWait time.Duration
}

// Client implements decision.Transport.
type Client struct {
	cfg  Config
	http *http.Client
	log  logger.Component
}

// StatusError is a non-2xx reply from the decision service. Wait is set
// for 429/5xx replies and carries the capped Retry-After hint.
type StatusError struct {
	Code    int
	Message string
	Wait    time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status=%d: %s", e.Code, e.Message)
}

func (e *StatusError) Retryable() bool { return e.Wait > 0 }

func (e *StatusError) RetryAfter() time.Duration { return e.Wait }

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 8 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.With("decisionsvc"),
	}
}

func (c *Client) endpoint(stage string) string {
	return c.cfg.BaseURL + "/" + strings.Trim(stage, "/")
}

// Call POSTs request as JSON once and returns the stage payload. Replies
// wrapped as {"content": "..."} or in OpenAI chat shape are unwrapped.
func (c *Client) Call(ctx context.Context, stage string, request any) ([]byte, error) {
	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("decision service base url not configured")
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", stage, err)
	}
	url := c.endpoint(stage)
	c.log.Debugf("请求: POST %s, headers=%v, bytes=%d", url, c.maskedHeaders(), len(body))

	out, err := c.do(ctx, url, body)
	if err != nil {
		return nil, err
	}
	return unwrap(out), nil
}

func (c *Client) do(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.ExtraHeaders {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 == 2 {
		return raw, nil
	}
	msg := strings.TrimSpace(gjson.GetBytes(raw, "error.message").String())
	if msg == "" {
		msg = strings.TrimSpace(gjson.GetBytes(raw, "error").String())
	}
	if msg == "" {
		msg = resp.Status
	}
	serr := &StatusError{Code: resp.StatusCode, Message: msg}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		serr.Wait = c.retryAfter(resp.Header.Get("Retry-After"))
	}
	return nil, serr
}

func (c *Client) retryAfter(header string) time.Duration {
	wait := 800 * time.Millisecond
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		wait = time.Duration(secs) * time.Second
	}
	if wait > c.cfg.MaxWait {
		wait = c.cfg.MaxWait
	}
	return wait
}

func (c *Client) maskedHeaders() map[string]string {
	out := map[string]string{"Content-Type": "application/json"}
	if c.cfg.APIKey != "" {
		out["Authorization"] = "Bearer " + mask(c.cfg.APIKey)
	}
	for k, v := range c.cfg.ExtraHeaders {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "key") || strings.Contains(lk, "token") || strings.Contains(lk, "auth") {
			v = mask(v)
		}
		out[k] = v
	}
	return out
}

// 仅展示后 4 位
func mask(v string) string {
	if len(v) > 4 {
		return "****" + v[len(v)-4:]
	}
	return "****"
}

func unwrap(raw []byte) []byte {
	if !gjson.ValidBytes(raw) {
		return raw
	}
	if content := gjson.GetBytes(raw, "choices.0.message.content"); content.Type == gjson.String {
		return []byte(content.String())
	}
	if content := gjson.GetBytes(raw, "content"); content.Type == gjson.String {
		return []byte(content.String())
	}
	return raw
}
