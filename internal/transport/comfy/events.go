package comfy

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nemanja-m/genpool/internal/transport"
)

// Binary frame event types sent by ComfyUI.
const (
	binaryPreviewImage = 1

	imageJPEG = 1
	imagePNG  = 2
)

// promptEvents are the text event types delivered to a prompt's subscriber.
var promptEvents = map[string]bool{
	"execution_start":       true,
	"executing":             true,
	"progress":              true,
	"executed":              true,
	"execution_success":     true,
	"execution_error":       true,
	"execution_interrupted": true,
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsData struct {
	PromptID         string         `json:"prompt_id"`
	Node             *string        `json:"node"`
	NodeID           string         `json:"node_id"`
	NodeType         string         `json:"node_type"`
	Value            int            `json:"value"`
	Max              int            `json:"max"`
	Output           map[string]any `json:"output"`
	ExceptionType    string         `json:"exception_type"`
	ExceptionMessage string         `json:"exception_message"`
}

// NodeError is the failure a worker reported for one node.
type NodeError struct {
	Node     string
	NodeType string
	Type     string
	Message  string
}

func (e *NodeError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("node %s (%s) raised %s: %s", e.Node, e.NodeType, e.Type, e.Message)
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	u := c.wsURL + "/ws?clientId=" + url.QueryEscape(c.clientID)
	ws, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event socket %s: %w: %w", c.wsURL, transport.ErrUnreachable, err)
	}
	return ws, nil
}

func (c *Client) readPump(ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			c.lost(ws, err)
			return
		}
		switch mt {
		case websocket.TextMessage:
			c.handleText(data)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		}
	}
}

// lost fails every open prompt and starts reconnecting. Events of prompts in
// flight may have been missed, so they cannot be trusted to finish.
func (c *Client) lost(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.executing = ""
	c.failAll(fmt.Errorf("event socket lost: %w", cause))
	c.wg.Add(1)
	c.mu.Unlock()

	_ = ws.Close()
	c.logger.Warn("Worker event socket lost", "worker_id", c.id, "error", cause)
	go c.reconnect()
}

func (c *Client) reconnect() {
	defer c.wg.Done()

	delay := c.backoffMin
	for attempt := 1; ; attempt++ {
		select {
		case <-c.stop:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		ws, err := c.connect(ctx)
		cancel()
		if err != nil {
			c.logger.Debug("Reconnect failed", "worker_id", c.id, "attempt", attempt, "error", err)
			delay = min(delay*2, c.backoffMax)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = ws.Close()
			return
		}
		c.ws = ws
		c.wg.Add(1)
		c.mu.Unlock()

		c.logger.Info("Worker event socket reconnected", "worker_id", c.id, "attempts", attempt)
		go c.readPump(ws)
		return
	}
}

func (c *Client) handleText(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Debug("Dropping malformed event", "worker_id", c.id, "error", err)
		return
	}

	var d wsData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			c.logger.Debug("Dropping malformed event data", "worker_id", c.id, "type", msg.Type, "error", err)
			return
		}
	}

	if !promptEvents[msg.Type] {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// frames for prompts that already settled, or that carry no prompt id,
	// have nobody to deliver to
	mb := c.track(d.PromptID)
	if mb == nil {
		return
	}

	switch msg.Type {
	case "execution_start":
		c.executing = d.PromptID
		mb.push(transport.Message{Kind: transport.KindStarted, PromptID: d.PromptID})

	case "executing":
		if d.Node == nil {
			// older workers signal completion with a null node
			c.finish(d.PromptID, mb)
			return
		}
		c.executing = d.PromptID

	case "progress":
		node := d.NodeID
		if d.Node != nil {
			node = *d.Node
		}
		mb.push(transport.Message{
			Kind:     transport.KindProgress,
			PromptID: d.PromptID,
			Node:     node,
			Value:    d.Value,
			Max:      d.Max,
		})

	case "executed":
		if d.Node != nil {
			mb.record(*d.Node, d.Output)
		}

	case "execution_success":
		c.finish(d.PromptID, mb)

	case "execution_error":
		c.settle(d.PromptID)
		mb.push(transport.Message{
			Kind:     transport.KindFailed,
			PromptID: d.PromptID,
			Node:     d.NodeID,
			Err:      &NodeError{Node: d.NodeID, NodeType: d.NodeType, Type: d.ExceptionType, Message: d.ExceptionMessage},
		})

	case "execution_interrupted":
		c.settle(d.PromptID)
		mb.push(transport.Message{
			Kind:     transport.KindFailed,
			PromptID: d.PromptID,
			Node:     d.NodeID,
			Err:      &NodeError{Node: d.NodeID, NodeType: d.NodeType, Type: "interrupted", Message: "execution interrupted"},
		})
	}
}

func (c *Client) handleBinary(data []byte) {
	if len(data) < 8 || binary.BigEndian.Uint32(data[:4]) != binaryPreviewImage {
		return
	}
	mime := "image/jpeg"
	if binary.BigEndian.Uint32(data[4:8]) == imagePNG {
		mime = "image/png"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	mb := c.track(c.executing)
	if mb == nil {
		return
	}
	mb.push(transport.Message{
		Kind:     transport.KindPreview,
		PromptID: c.executing,
		Data:     append([]byte(nil), data[8:]...),
		MIME:     mime,
	})
}

// finish, settle, failAll, track and retire require c.mu.
func (c *Client) finish(promptID string, mb *mailbox) {
	c.settle(promptID)
	mb.push(transport.Message{Kind: transport.KindFinished, PromptID: promptID, Outputs: mb.collected()})
}

func (c *Client) settle(promptID string) {
	if c.executing == promptID {
		c.executing = ""
	}
}

func (c *Client) failAll(cause error) {
	for id, mb := range c.mailboxes {
		mb.push(transport.Message{
			Kind:     transport.KindFailed,
			PromptID: id,
			Err:      fmt.Errorf("%s: %w: %w", c.id, cause, transport.ErrUnreachable),
		})
	}
}

// track returns the mailbox of a prompt, creating it on first use. Events may
// arrive before Submit has seen the prompt id. It returns nil for an empty id
// and for prompts whose subscriber already detached.
func (c *Client) track(promptID string) *mailbox {
	if promptID == "" {
		return nil
	}
	if _, ok := c.retired[promptID]; ok {
		return nil
	}
	mb, ok := c.mailboxes[promptID]
	if !ok {
		mb = newMailbox()
		c.mailboxes[promptID] = mb
	}
	return mb
}

// retire drops the mailbox of a prompt and remembers its id, oldest first,
// up to retiredHistory ids.
func (c *Client) retire(promptID string) {
	delete(c.mailboxes, promptID)
	if _, ok := c.retired[promptID]; ok {
		return
	}
	c.retired[promptID] = struct{}{}
	c.retiredQ = append(c.retiredQ, promptID)
	if len(c.retiredQ) > retiredHistory {
		delete(c.retired, c.retiredQ[0])
		c.retiredQ = c.retiredQ[1:]
	}
}

// mailbox buffers the events of one prompt until its subscriber reads them.
// Nothing is accepted after a terminal message.
type mailbox struct {
	mu       sync.Mutex
	queue    []transport.Message
	outputs  map[string]any
	terminal bool
	attached bool

	signal   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		outputs: make(map[string]any),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func isTerminal(k transport.Kind) bool {
	return k == transport.KindFinished || k == transport.KindFailed
}

func (m *mailbox) push(msg transport.Message) {
	m.mu.Lock()
	if m.terminal {
		m.mu.Unlock()
		return
	}
	m.terminal = isTerminal(msg.Kind)
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) record(node string, output map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[node] = output
}

func (m *mailbox) collected() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.outputs)
}

func (m *mailbox) attach() (<-chan transport.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attached {
		return nil, fmt.Errorf("prompt already has a subscriber")
	}
	m.attached = true
	out := make(chan transport.Message)
	go m.forward(out)
	return out, nil
}

func (m *mailbox) detach() {
	m.doneOnce.Do(func() { close(m.done) })
}

func (m *mailbox) forward(out chan<- transport.Message) {
	defer close(out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}
		msg := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case out <- msg:
		case <-m.done:
			return
		}
		if isTerminal(msg.Kind) {
			return
		}
	}
}
