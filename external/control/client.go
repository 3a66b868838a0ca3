package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/foxseedlab/botfleet/internal/control"
)

const (
	// The host is ignored; every request is dialed to the socket.
	baseURL        = "http://botfleet"
	requestTimeout = 2 * time.Minute
)

// RemoteError carries a failure reported by the server. It unwraps to the
// sentinel of its kind so errors.Is works across the socket.
type RemoteError struct {
	Status  int
	Kind    bot.ErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return bot.SentinelOf(e.Kind)
}

// Client talks to a Server over its unix socket and implements
// control.Service.
type Client struct {
	http *http.Client
}

var _ control.Service = (*Client)(nil)

func NewClient(socket string) *Client {
	dialer := &net.Dialer{Timeout: dialTimeout}
	return &Client{http: &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socket)
			},
		},
	}}
}

// Ping reports whether a server answers on the socket.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

func (c *Client) Create(ctx context.Context, req control.CreateRequest) (*bot.Bot, error) {
	var b bot.Bot
	if err := c.do(ctx, http.MethodPost, "/bots", req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) Get(ctx context.Context, id string) (*bot.Bot, error) {
	return c.botCall(ctx, http.MethodGet, "/bots/"+url.PathEscape(id), nil)
}

func (c *Client) List(ctx context.Context, ownerID string) ([]bot.Bot, error) {
	path := "/bots"
	if ownerID != "" {
		path += "?owner=" + url.QueryEscape(ownerID)
	}
	var bots []bot.Bot
	if err := c.do(ctx, http.MethodGet, path, nil, &bots); err != nil {
		return nil, err
	}
	return bots, nil
}

func (c *Client) Configure(ctx context.Context, id string, patch bot.ConfigurationPatch) (*bot.Bot, error) {
	return c.botCall(ctx, http.MethodPatch, "/bots/"+url.PathEscape(id)+"/configuration", patch)
}

func (c *Client) Enable(ctx context.Context, id string) (*bot.Bot, error) {
	return c.botCall(ctx, http.MethodPost, "/bots/"+url.PathEscape(id)+"/enable", nil)
}

func (c *Client) Disable(ctx context.Context, id string) (*bot.Bot, error) {
	return c.botCall(ctx, http.MethodPost, "/bots/"+url.PathEscape(id)+"/disable", nil)
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/bots/"+url.PathEscape(id), nil, nil)
}

func (c *Client) TrimHistory(ctx context.Context, op control.HistoryOp, botID, channelID string, count int) (int, error) {
	path := fmt.Sprintf("/bots/%s/channels/%s/history/%s?count=%s",
		url.PathEscape(botID), url.PathEscape(channelID), url.PathEscape(string(op)), strconv.Itoa(count))
	var out trimBody
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

func (c *Client) botCall(ctx context.Context, method, path string, body any) (*bot.Bot, error) {
	var b bot.Bot
	if err := c.do(ctx, method, path, body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode control request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build control request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control request %s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error == "" {
			return &RemoteError{Status: resp.StatusCode, Kind: bot.KindUnknown, Message: fmt.Sprintf("control endpoint returned %d", resp.StatusCode)}
		}
		return &RemoteError{Status: resp.StatusCode, Kind: eb.Kind, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode control response: %w", err)
	}
	return nil
}
