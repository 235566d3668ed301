package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/talkbridge/bridge"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// DefaultChunkSize is the frame size used when streaming a reader.
const DefaultChunkSize = 4096

// Client talks to a talkbridge server.
type Client struct {
	Logger *zap.SugaredLogger
	// HTTPClient is used for the JSON endpoints, and retries failed requests.
	HTTPClient *http.Client

	baseURL                  string
	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
}

type Option func(c *Client)

func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds a client for the server at baseURL, such as "http://localhost:8585".
func New(log *zap.SugaredLogger, baseURL string, opts ...Option) *Client {
	c := &Client{
		Logger:       log.Named("talkbridge_client"),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()

	return c
}

type Health struct {
	Status         string
	ActiveSessions int
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, path)
	}
	err = json.NewDecoder(resp.Body).Decode(v)
	if err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var h Health
	err := c.getJSON(ctx, "/healthz", &h)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Sessions(ctx context.Context) ([]bridge.Info, error) {
	var infos []bridge.Info
	err := c.getJSON(ctx, "/sessions", &infos)
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// WaitForServer polls the health endpoint until it succeeds or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

// Talk opens a talk session. The server starts the child process as soon as the connection is accepted.
func (c *Client) Talk(ctx context.Context) (*Talk, error) {
	u := c.baseURL + "/talk"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	return &Talk{conn: wsConn, log: c.Logger.Named("talk")}, nil
}

// Talk is an open talk session.
type Talk struct {
	conn *websocket.Conn
	log  *zap.SugaredLogger
}

// Send sends b as one binary frame of audio.
func (t *Talk) Send(ctx context.Context, b []byte) error {
	return t.conn.Write(ctx, websocket.MessageBinary, b)
}

// SendText sends a text frame, which the server ignores.
func (t *Talk) SendText(ctx context.Context, s string) error {
	return t.conn.Write(ctx, websocket.MessageText, []byte(s))
}

// Stream sends everything read from r as binary frames of at most chunkSize bytes, until r returns io.EOF.
func (t *Talk) Stream(ctx context.Context, r io.Reader, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			werr := t.Send(ctx, buf[:n])
			if werr != nil {
				return total, fmt.Errorf("sending frame: %w", werr)
			}
			total += int64(n)
		}
		if err == io.EOF {
			t.log.Debugf("done streaming %d bytes", total)
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("reading audio: %w", err)
		}
	}
}

// Wait blocks until the server closes the session, and returns the close status.
// Frames sent by the server are discarded.
func (t *Talk) Wait(ctx context.Context) (websocket.StatusCode, error) {
	for {
		_, _, err := t.conn.Read(ctx)
		if err == nil {
			continue
		}
		if status := websocket.CloseStatus(err); status != -1 {
			return status, nil
		}
		return -1, err
	}
}

// Close ends the session normally.
func (t *Talk) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
