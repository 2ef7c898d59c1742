package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rjboer/sdrsource/internal/logging"
)

// Publisher is the part of *nats.Conn the reporter needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSReporter publishes chunk levels on <prefix>.chunk and drops on
// <prefix>.drop as JSON.
type NATSReporter struct {
	pub    Publisher
	prefix string
	logger logging.Logger
}

// NewNATSReporter wraps an existing connection.
func NewNATSReporter(pub Publisher, prefix string, logger logging.Logger) *NATSReporter {
	if logger == nil {
		logger = logging.Default()
	}
	if prefix == "" {
		prefix = "sdrsource"
	}
	return &NATSReporter{pub: pub, prefix: prefix, logger: logger.With(logging.F("subsystem", "nats"))}
}

// DialNATS connects with unlimited reconnects.
func DialNATS(url, name string, logger logging.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", logging.F("err", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", logging.F("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	logger.Info("connected to nats", logging.F("url", url))
	return nc, nil
}

func (r *NATSReporter) publish(kind string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.Warn("encode telemetry", logging.F("kind", kind), logging.F("err", err))
		return
	}
	if err := r.pub.Publish(r.prefix+"."+kind, payload); err != nil {
		r.logger.Warn("publish telemetry", logging.F("kind", kind), logging.F("err", err))
	}
}

func (r *NATSReporter) Report(s Sample)    { r.publish("chunk", s) }
func (r *NATSReporter) ReportDrop(d Drop) { r.publish("drop", d) }
