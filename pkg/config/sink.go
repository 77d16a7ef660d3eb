package config

import (
	"fmt"

	"github.com/gt8004/gt8004/pkg/deliver"
	"github.com/gt8004/gt8004/pkg/transport"
)

// NewSender builds the sender selected by transport.sink.
func (c *Config) NewSender() (deliver.Sender, error) {
	switch c.Transport.Sink {
	case "http":
		return deliver.NewHTTPSender(deliver.HTTPConfig{
			BaseURL:    c.Agent.BaseURL,
			IngestPath: c.Transport.IngestPath,
			AgentID:    c.Agent.AgentID,
			APIKey:     c.Agent.APIKey,
			Compress:   c.Transport.Compress,
			Timeout:    c.Transport.RequestTimeout,
		}), nil
	case "stdout":
		return deliver.NewStdoutSender(), nil
	case "file":
		s, err := deliver.NewFileSender(c.Transport.FilePath)
		if err != nil {
			return nil, fmt.Errorf("config.NewSender: %w", err)
		}
		return s, nil
	case "nop":
		return deliver.NopSender{}, nil
	default:
		return nil, fmt.Errorf("config.NewSender: unknown sink %q", c.Transport.Sink)
	}
}

// NewTransport builds a transport with the configured engine settings and sink.
// The caller owns it and must call Stop.
func (c *Config) NewTransport(opts ...transport.Option) (*transport.Transport, error) {
	eng, err := c.Transport.Engine()
	if err != nil {
		return nil, err
	}
	sender, err := c.NewSender()
	if err != nil {
		return nil, err
	}
	return transport.New(eng, sender, opts...), nil
}
