// Package comfy connects to ComfyUI worker instances. Requests go over HTTP
// and execution events arrive on the instance's websocket.
package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valyala/fasthttp"

	"github.com/nemanja-m/genpool/internal/platform"
	"github.com/nemanja-m/genpool/internal/shared/logging"
	"github.com/nemanja-m/genpool/internal/transport"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultBackoffMin     = 100 * time.Millisecond
	defaultBackoffMax     = 5 * time.Second

	// retiredHistory bounds how many settled prompt ids are remembered so
	// that trailing frames for them are dropped.
	retiredHistory = 1024
)

var ErrClosed = errors.New("client closed")

// Client is a transport.Conn to one ComfyUI instance. It also implements
// transport.Pinger, transport.Interrupter and transport.Resolver.
type Client struct {
	id             string
	clientID       string
	baseURL        string
	wsURL          string
	http           *fasthttp.Client
	dialer         *websocket.Dialer
	requestTimeout time.Duration
	backoffMin     time.Duration
	backoffMax     time.Duration
	logger         logging.Logger

	mu        sync.Mutex
	platform  platform.Platform
	ws        *websocket.Conn
	mailboxes map[string]*mailbox
	retired   map[string]struct{}
	retiredQ  []string
	executing string
	closed    bool

	stop chan struct{}
	wg   sync.WaitGroup
}

type Option func(*Client)

// WithID overrides the worker id. The default is the normalized address.
func WithID(id string) Option {
	return func(c *Client) { c.id = id }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithReconnectBackoff bounds the delay between websocket reconnect attempts.
func WithReconnectBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.backoffMin = minDelay
		c.backoffMax = maxDelay
	}
}

func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Dial probes the instance, reads its platform and opens the event socket.
func Dial(ctx context.Context, address string, opts ...Option) (*Client, error) {
	base, err := normalize(address)
	if err != nil {
		return nil, err
	}

	c := &Client{
		id:             strings.TrimPrefix(strings.TrimPrefix(base, "http://"), "https://"),
		clientID:       uuid.NewString(),
		baseURL:        base,
		wsURL:          toWebSocketURL(base),
		requestTimeout: defaultRequestTimeout,
		backoffMin:     defaultBackoffMin,
		backoffMax:     defaultBackoffMax,
		logger:         logging.NewNopLogger(),
		mailboxes:      make(map[string]*mailbox),
		retired:        make(map[string]struct{}),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &fasthttp.Client{
			MaxConnsPerHost:     16,
			MaxIdleConnDuration: 90 * time.Second,
			ReadTimeout:         c.requestTimeout,
			WriteTimeout:        c.requestTimeout,
		}
	}
	c.dialer = &websocket.Dialer{HandshakeTimeout: c.requestTimeout}

	stats, err := c.systemStats(ctx)
	if err != nil {
		return nil, err
	}
	c.platform = platform.Parse(stats.System.OS)

	ws, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.ws = ws
	c.wg.Add(1)
	go c.readPump(ws)

	c.logger.Info("Connected to worker", "worker_id", c.id, "address", c.baseURL, "platform", c.platform)
	return c, nil
}

// Dialer adapts Dial to transport.Dialer.
func Dialer(opts ...Option) transport.Dialer {
	return func(ctx context.Context, address string) (transport.Conn, error) {
		return Dial(ctx, address, opts...)
	}
}

func (c *Client) ID() string      { return c.id }
func (c *Client) Address() string { return c.baseURL }

func (c *Client) Platform() platform.Platform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.platform
}

type promptRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type promptResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
	NodeErrors map[string]any `json:"node_errors"`
}

// Submit queues payload on the instance. The event socket must be connected,
// otherwise the prompt could run without anyone observing it.
func (c *Client) Submit(ctx context.Context, payload map[string]any) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}

	body, err := json.Marshal(promptRequest{Prompt: payload, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}

	status, data, err := c.do(ctx, fasthttp.MethodPost, "/prompt", body)
	if err != nil {
		return "", err
	}
	if status != fasthttp.StatusOK {
		return "", rejected(status, data)
	}

	var resp promptResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode prompt response: %w", err)
	}
	if resp.PromptID == "" {
		return "", &transport.RejectedError{Status: status, Message: "response carries no prompt id", NodeErrors: resp.NodeErrors}
	}

	c.mu.Lock()
	c.track(resp.PromptID)
	c.mu.Unlock()

	c.logger.Debug("Prompt queued", "worker_id", c.id, "prompt_id", resp.PromptID, "number", resp.Number)
	return resp.PromptID, nil
}

func rejected(status int, data []byte) error {
	var er errorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Error.Message == "" {
		return &transport.RejectedError{Status: status, Message: strings.TrimSpace(string(data))}
	}
	msg := er.Error.Message
	if er.Error.Details != "" {
		msg += ": " + er.Error.Details
	}
	return &transport.RejectedError{Status: status, Message: msg, NodeErrors: er.NodeErrors}
}

// Subscribe returns the event stream of a prompt submitted through c.
func (c *Client) Subscribe(ctx context.Context, promptID string) (<-chan transport.Message, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}
	mb := c.track(promptID)
	if mb == nil {
		return nil, nil, fmt.Errorf("prompt %s already settled", promptID)
	}
	out, err := mb.attach()
	if err != nil {
		return nil, nil, err
	}
	cancel := func() {
		mb.detach()
		c.mu.Lock()
		if c.mailboxes[promptID] == mb {
			c.retire(promptID)
		}
		c.mu.Unlock()
	}
	return out, cancel, nil
}

type systemStats struct {
	System struct {
		OS             string `json:"os"`
		PythonVersion  string `json:"python_version"`
		ComfyUIVersion string `json:"comfyui_version"`
	} `json:"system"`
	Devices []struct {
		Name      string `json:"name"`
		Type      string `json:"type"`
		VRAMTotal int64  `json:"vram_total"`
		VRAMFree  int64  `json:"vram_free"`
	} `json:"devices"`
}

func (c *Client) systemStats(ctx context.Context) (*systemStats, error) {
	status, data, err := c.do(ctx, fasthttp.MethodGet, "/system_stats", nil)
	if err != nil {
		return nil, err
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("system_stats returned %d: %w", status, transport.ErrUnreachable)
	}
	var stats systemStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("decode system_stats: %w", err)
	}
	return &stats, nil
}

// Ping succeeds when the instance answers over HTTP and the event socket is
// connected.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.systemStats(ctx)
	return err
}

// Interrupt stops the prompt if it is the one currently executing.
func (c *Client) Interrupt(ctx context.Context, promptID string) error {
	body, err := json.Marshal(map[string]string{"prompt_id": promptID})
	if err != nil {
		return err
	}
	status, _, err := c.do(ctx, fasthttp.MethodPost, "/interrupt", body)
	if err != nil {
		return err
	}
	if status != fasthttp.StatusOK {
		return fmt.Errorf("interrupt returned %d", status)
	}
	return nil
}

// ArtifactURL builds the /view URL of a produced file.
func (c *Client) ArtifactURL(a transport.Artifact) string {
	q := url.Values{}
	q.Set("filename", a.Filename)
	q.Set("subfolder", a.Subfolder)
	q.Set("type", a.Type)
	return c.baseURL + "/view?" + q.Encode()
}

// Close stops reconnecting, closes the socket and fails every open prompt.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	ws := c.ws
	c.ws = nil
	c.failAll(ErrClosed)
	c.mu.Unlock()

	var err error
	if ws != nil {
		err = ws.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Client) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%s: %w: %w", c.id, ErrClosed, transport.ErrUnreachable)
	}
	if c.ws == nil {
		return fmt.Errorf("%s: event socket disconnected: %w", c.id, transport.ErrUnreachable)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, fmt.Errorf("%s %s: %w: %w", method, path, transport.ErrUnreachable, err)
	}
	return resp.StatusCode(), append([]byte(nil), resp.Body()...), nil
}

func normalize(address string) (string, error) {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	if address == "" {
		return "", errors.New("empty worker address")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parse worker address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported worker scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("worker address %q has no host", address)
	}
	return u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/"), nil
}

// toWebSocketURL converts an http(s) base URL to its ws(s) counterpart.
func toWebSocketURL(base string) string {
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	return "ws://" + strings.TrimPrefix(base, "http://")
}
