package config

import (
	"fmt"
	"net"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"lovebridge/bridge"
	"lovebridge/bridge/command"
	"lovebridge/bridge/transport"
)

// TransportOptions returns transport options filled from the configuration.
func (c *Config) TransportOptions(logger *zap.Logger) *transport.Options {
	opts := transport.NewOptions()
	opts.Namespace = c.Namespace
	opts.Format = command.EncodingFormat(c.Format)
	opts.PollInterval = c.PollInterval.Std()
	opts.ReadyInterval = c.ReadyInterval.Std()
	opts.IOTimeout = c.IOTimeout.Std()
	if logger != nil {
		opts.Logger = logger
	}
	return opts
}

// OpenMedium opens the shared medium of a polled transport.
func (c *Config) OpenMedium() (transport.Medium, error) {
	switch c.Transport {
	case TransportDir:
		return transport.NewDirMedium(c.Dir.Path)
	case TransportBolt:
		return transport.OpenBoltMedium(c.Bolt.Path)
	case TransportRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		m, err := transport.NewRedisMedium(client, c.Redis.Prefix)
		if err != nil {
			client.Close()
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("transport %q has no medium", c.Transport)
	}
}

// Polled reports whether the configured transport runs over a shared medium.
func (c *Config) Polled() bool {
	switch c.Transport {
	case TransportDir, TransportBolt, TransportRedis:
		return true
	default:
		return false
	}
}

// TransportFactory returns a factory for the configured transport. The bridge fills in the
// namespace, clock, logger, error sink and tick hook; the rest comes from the configuration.
func (c *Config) TransportFactory() bridge.TransportFactory {
	return func(opts *transport.Options) (transport.Transport, error) {
		opts.Format = command.EncodingFormat(c.Format)
		opts.PollInterval = c.PollInterval.Std()
		opts.ReadyInterval = c.ReadyInterval.Std()
		opts.IOTimeout = c.IOTimeout.Std()

		switch c.Transport {
		case TransportInProcess:
			return transport.NewHostLink(opts), nil
		case TransportDir, TransportBolt, TransportRedis:
			medium, err := c.OpenMedium()
			if err != nil {
				return nil, err
			}
			opts.CloseMedium = true
			p, err := transport.NewPolled(medium, opts)
			if err != nil {
				medium.Close()
				return nil, err
			}
			return p, nil
		case TransportWebSocket:
			return transport.NewWebSocket(c.WebSocket.URL, nil, opts), nil
		case TransportJSONRPC:
			conn, err := net.DialTimeout("tcp", c.JSONRPC.Addr, opts.IOTimeout)
			if err != nil {
				return nil, fmt.Errorf("failed to dial %s: %w", c.JSONRPC.Addr, err)
			}
			return transport.NewJSONRPC(conn, opts), nil
		default:
			return nil, fmt.Errorf("unknown transport %q", c.Transport)
		}
	}
}

// BridgeOptions returns the bridge options for this configuration.
func (c *Config) BridgeOptions(logger *zap.Logger) []bridge.Option {
	return []bridge.Option{
		bridge.WithNamespace(c.Namespace),
		bridge.WithLogger(logger),
		bridge.WithRPCTimeout(c.RPCTimeout.Std()),
		bridge.WithTransportFactory(c.TransportFactory()),
	}
}
