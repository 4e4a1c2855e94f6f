// Package transporttest provides a scriptable in-process worker connection.
package transporttest

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/nemanja-m/genpool/internal/platform"
	"github.com/nemanja-m/genpool/internal/transport"
)

// Step is one scripted action played after a successful Submit.
type Step struct {
	Message transport.Message
	// Wait blocks the script until it is closed or receives a value.
	Wait  <-chan struct{}
	Delay time.Duration
}

func Started() Step {
	return Step{Message: transport.Message{Kind: transport.KindStarted}}
}

func Progress(node string, value, max int) Step {
	return Step{Message: transport.Message{Kind: transport.KindProgress, Node: node, Value: value, Max: max}}
}

func Preview(data []byte) Step {
	return Step{Message: transport.Message{Kind: transport.KindPreview, Data: data, MIME: "image/png"}}
}

func Finished(outputs map[string]any) Step {
	return Step{Message: transport.Message{Kind: transport.KindFinished, Outputs: outputs}}
}

func Failed(err error) Step {
	return Step{Message: transport.Message{Kind: transport.KindFailed, Err: err}}
}

// Hold pauses the script until ch is closed.
func Hold(ch <-chan struct{}) Step {
	return Step{Wait: ch}
}

// Sleep pauses the script for d.
func Sleep(d time.Duration) Step {
	return Step{Delay: d}
}

// Images builds a finished-output object for one node.
func Images(filenames ...string) map[string]any {
	imgs := make([]any, 0, len(filenames))
	for _, f := range filenames {
		imgs = append(imgs, map[string]any{"filename": f, "subfolder": "", "type": "output"})
	}
	return map[string]any{"images": imgs}
}

type stream struct {
	ch   chan transport.Message
	done chan struct{}
	once sync.Once
}

func (s *stream) cancel() {
	s.once.Do(func() { close(s.done) })
}

// Conn is a fake transport.Conn. Every Submit consumes the next queued
// script, falling back to the default script when the queue is empty.
type Conn struct {
	id       string
	address  string
	platform platform.Platform

	mu          sync.Mutex
	scripts     [][]Step
	fallback    []Step
	submitErr   error
	subErr      error
	pingErr     error
	seq         int
	submitted   []map[string]any
	interrupted []string
	streams     map[string]*stream
	closed      bool
}

type Option func(*Conn)

func WithPlatform(p platform.Platform) Option {
	return func(c *Conn) { c.platform = p }
}

func WithAddress(addr string) Option {
	return func(c *Conn) { c.address = addr }
}

// WithDefaultScript sets the script used when no queued script is left.
func WithDefaultScript(steps ...Step) Option {
	return func(c *Conn) { c.fallback = steps }
}

// New returns a fake connection whose default script starts and finishes
// with an empty output set.
func New(id string, opts ...Option) *Conn {
	c := &Conn{
		id:       id,
		address:  "fake://" + id,
		platform: platform.Posix,
		fallback: []Step{Started(), Finished(map[string]any{})},
		streams:  make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue adds a script for a future Submit.
func (c *Conn) Enqueue(steps ...Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts = append(c.scripts, steps)
}

// SetSubmitError makes Submit fail with err until reset with nil.
func (c *Conn) SetSubmitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr = err
}

// SetSubscribeError makes Subscribe fail with err until reset with nil.
func (c *Conn) SetSubscribeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subErr = err
}

// SetPingError makes Ping fail with err until reset with nil.
func (c *Conn) SetPingError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) Address() string             { return c.address }
func (c *Conn) Platform() platform.Platform { return c.platform }

func (c *Conn) Submit(ctx context.Context, payload map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("%s: connection closed: %w", c.id, transport.ErrUnreachable)
	}
	if c.submitErr != nil {
		err := c.submitErr
		c.mu.Unlock()
		return "", err
	}

	steps := c.fallback
	if len(c.scripts) > 0 {
		steps = c.scripts[0]
		c.scripts = c.scripts[1:]
	}
	c.seq++
	promptID := fmt.Sprintf("%s-prompt-%d", c.id, c.seq)
	c.submitted = append(c.submitted, maps.Clone(payload))
	st := &stream{ch: make(chan transport.Message, len(steps)+1), done: make(chan struct{})}
	c.streams[promptID] = st
	c.mu.Unlock()

	go play(st, promptID, steps)
	return promptID, nil
}

func play(st *stream, promptID string, steps []Step) {
	defer close(st.ch)
	for _, step := range steps {
		if step.Wait != nil {
			select {
			case <-step.Wait:
			case <-st.done:
				return
			}
		}
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-st.done:
				return
			}
		}
		if step.Message.Kind == "" {
			continue
		}
		msg := step.Message
		msg.PromptID = promptID
		select {
		case st.ch <- msg:
		case <-st.done:
			return
		}
	}
}

func (c *Conn) Subscribe(ctx context.Context, promptID string) (<-chan transport.Message, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return nil, nil, c.subErr
	}
	st, ok := c.streams[promptID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown prompt %s", promptID)
	}
	return st.ch, st.cancel, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *Conn) Interrupt(ctx context.Context, promptID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupted = append(c.interrupted, promptID)
	if st, ok := c.streams[promptID]; ok {
		st.cancel()
	}
	return nil
}

// ArtifactURL makes Conn a transport.Resolver.
func (c *Conn) ArtifactURL(a transport.Artifact) string {
	return fmt.Sprintf("%s/view?filename=%s&subfolder=%s&type=%s", c.address, a.Filename, a.Subfolder, a.Type)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, st := range c.streams {
		st.cancel()
	}
	return nil
}

// Submitted returns copies of every accepted payload in submission order.
func (c *Conn) Submitted() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.submitted))
	copy(out, c.submitted)
	return out
}

func (c *Conn) Interrupted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.interrupted...)
}

// Dialer returns a transport.Dialer that serves the given connections by
// address and fails with transport.ErrUnreachable for anything else.
func Dialer(conns ...*Conn) transport.Dialer {
	byAddr := make(map[string]*Conn, len(conns))
	for _, c := range conns {
		byAddr[c.address] = c
	}
	return func(ctx context.Context, address string) (transport.Conn, error) {
		if c, ok := byAddr[address]; ok {
			return c, nil
		}
		return nil, fmt.Errorf("dial %s: %w", address, transport.ErrUnreachable)
	}
}
