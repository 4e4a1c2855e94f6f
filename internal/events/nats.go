package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/nemanja-m/genpool/internal/shared/config"
	"github.com/nemanja-m/genpool/internal/shared/logging"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink forwards bus events to NATS subjects named <prefix>.<event type>.
type NATSSink struct {
	pub    Publisher
	prefix string
	codec  Codec
	logger logging.Logger
}

func NewNATSSink(pub Publisher, prefix string, codec Codec, logger logging.Logger) *NATSSink {
	return &NATSSink{pub: pub, prefix: prefix, codec: codec, logger: logger}
}

func (s *NATSSink) Subject(t Type) string {
	return s.prefix + "." + string(t)
}

// Handle publishes one event. Failures are logged and dropped.
func (s *NATSSink) Handle(e Event) {
	data, err := s.codec.Marshal(e)
	if err != nil {
		s.logger.Error("Failed to encode event", "type", string(e.Type), "error", err)
		return
	}
	if err := s.pub.Publish(s.Subject(e.Type), data); err != nil {
		s.logger.Warn("Failed to publish event", "type", string(e.Type), "error", err)
	}
}

// Attach subscribes the sink to every event on bus.
func (s *NATSSink) Attach(bus *Bus) func() {
	return bus.Subscribe(s.Handle)
}

// ConnectNATS opens a NATS connection using cfg. It honours ctx while the
// initial connection is being established.
func ConnectNATS(ctx context.Context, cfg config.NATSConfig, logger logging.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(cfg.URL, opts...)
		ch <- result{conn: nc, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", r.err)
		}
		return r.conn, nil
	}
}
