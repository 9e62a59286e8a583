package inferctl

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

	"github.com/coder/websocket"

	"github.com/veighnsche/inferd/internal/pool"
	"github.com/veighnsche/inferd/pkg/types"
)

// Client talks to a running inferd daemon over its HTTP API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// apiError carries the server's error payload and status code.
type apiError struct {
	code int
	msg  string
}

func (e apiError) Error() string   { return fmt.Sprintf("%s (http %d)", e.msg, e.code) }
func (e apiError) StatusCode() int { return e.code }

func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var out types.StatusResponse
	err := c.getJSON(ctx, "/status", &out)
	return out, err
}

func (c *Client) Models(ctx context.Context) ([]types.Model, error) {
	var out types.ModelsResponse
	if err := c.getJSON(ctx, "/models", &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

func (c *Client) Query(ctx context.Context, req types.QueryRequest) (types.QueryResult, error) {
	var out types.QueryResult
	err := c.postJSON(ctx, "/query", req, &out)
	return out, err
}

func (c *Client) Reload(ctx context.Context, req types.ReloadRequest) (types.ReloadResponse, error) {
	var out types.ReloadResponse
	err := c.postJSON(ctx, "/reload", req, &out)
	return out, err
}

// Watch subscribes to the daemon's event stream and invokes fn for every
// event until the stream closes, the context ends, or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(pool.Event) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/events"
	// The shared HTTP client's timeout would sever a long-lived socket, so
	// the dial uses the default client.
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		var ev pool.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var er types.ErrorResponse
		if json.Unmarshal(b, &er) == nil && er.Error != "" {
			return apiError{code: resp.StatusCode, msg: er.Error}
		}
		return apiError{code: resp.StatusCode, msg: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}
