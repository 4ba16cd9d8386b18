// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"errors"
	"fmt"
	"time"

	"github.com/xmidt-org/arrange/arrangehttp"
	"github.com/xmidt-org/sallust"
	"go.uber.org/zap"

	"github.com/meshwire/meshwire/address"
	"github.com/meshwire/meshwire/httpauth"
	"github.com/meshwire/meshwire/reactor"
	"github.com/meshwire/meshwire/socket/event"
	"github.com/meshwire/meshwire/stream"
	"github.com/meshwire/meshwire/tlscfg"
	"github.com/meshwire/meshwire/wire"
)

var ErrMisconfigured = errors.New("misconfigured socket factory")

// defaultLogger builds the sallust default zap logger, falling back to the
// no-op logger if construction fails.
func defaultLogger() *zap.Logger {
	logger, err := sallust.Config{}.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// config is the shared construction state of a Client or Server.
type config struct {
	typ               stream.Type
	tls               *tlscfg.Config
	loop              *reactor.Loop
	logger            *zap.Logger
	connectTimeout    time.Duration
	requestTimeout    time.Duration
	sendTimeout       time.Duration
	keepAliveInterval time.Duration
	maxMessageBytes   int64
	bindDevice        string
	resolver          address.Resolver
	httpClient        arrangehttp.ClientConfig
	wsRequest         stream.WSRequestContext
	authMode          httpauth.Mode
	authRealm         string
	observers         observers
}

const (
	defaultConnectTimeout = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

func defaultConfig() config {
	return config{
		typ:             stream.TCP,
		connectTimeout:  defaultConnectTimeout,
		requestTimeout:  defaultRequestTimeout,
		maxMessageBytes: wire.DefaultMaxFrameBytes,
	}
}

// Option is a functional option for Client and Server construction.
type Option interface {
	apply(*config) error
}

type optionFunc func(*config) error

func (f optionFunc) apply(c *config) error {
	return f(c)
}

// Transport selects the stream variant produced by the factory.  The
// default is plain TCP.
func Transport(t stream.Type) Option {
	return optionFunc(
		func(c *config) error {
			switch t {
			case stream.TCP, stream.TLS, stream.WS, stream.WSS:
				c.typ = t
				return nil
			}
			return fmt.Errorf("%w: unknown transport (%d)", ErrMisconfigured, int(t))
		})
}

// WithTLS supplies the TLS context for TLS and WSS factories.
func WithTLS(cfg *tlscfg.Config) Option {
	return optionFunc(
		func(c *config) error {
			if cfg == nil {
				return fmt.Errorf("%w: nil TLS config", ErrMisconfigured)
			}
			c.tls = cfg
			return nil
		})
}

// WithReactor overrides the process-wide shared reactor.
func WithReactor(loop *reactor.Loop) Option {
	return optionFunc(
		func(c *config) error {
			if loop == nil {
				return fmt.Errorf("%w: nil reactor", ErrMisconfigured)
			}
			c.loop = loop
			return nil
		})
}

// Logger sets the logger.  The default is the sallust default logger.
func Logger(logger *zap.Logger) Option {
	return optionFunc(
		func(c *config) error {
			if logger == nil {
				return fmt.Errorf("%w: nil logger", ErrMisconfigured)
			}
			c.logger = logger
			return nil
		})
}

// ConnectTimeout bounds each connection attempt.  If this is not set, the
// default is 30 seconds.
func ConnectTimeout(d time.Duration) Option {
	return optionFunc(
		func(c *config) error {
			if d < 0 {
				return fmt.Errorf("%w: negative ConnectTimeout", ErrMisconfigured)
			}
			c.connectTimeout = d
			return nil
		})
}

// RequestTimeout bounds each outstanding request.  If this is not set, the
// default is 30 seconds.  Zero disables the per-request timer.
func RequestTimeout(d time.Duration) Option {
	return optionFunc(
		func(c *config) error {
			if d < 0 {
				return fmt.Errorf("%w: negative RequestTimeout", ErrMisconfigured)
			}
			c.requestTimeout = d
			return nil
		})
}

// SendTimeout bounds each write on the transport.
func SendTimeout(d time.Duration) Option {
	return optionFunc(
		func(c *config) error {
			if d < 0 {
				return fmt.Errorf("%w: negative SendTimeout", ErrMisconfigured)
			}
			c.sendTimeout = d
			return nil
		})
}

// KeepAliveInterval sets the TCP keep-alive interval for outbound
// connections.
func KeepAliveInterval(d time.Duration) Option {
	return optionFunc(
		func(c *config) error {
			if d < 0 {
				return fmt.Errorf("%w: negative KeepAliveInterval", ErrMisconfigured)
			}
			c.keepAliveInterval = d
			return nil
		})
}

// MaxMessageBytes caps a single received message; outbound messages are not
// checked against it.  If this is not set, the default is 16 MiB.
func MaxMessageBytes(bytes int64) Option {
	return optionFunc(
		func(c *config) error {
			if bytes < 0 {
				return fmt.Errorf("%w: negative MaxMessageBytes", ErrMisconfigured)
			}
			if bytes > 0 {
				c.maxMessageBytes = bytes
			}
			return nil
		})
}

// BindToDevice pins outbound sockets to a network interface.  Applied
// before the connect starts.
func BindToDevice(ifname string) Option {
	return optionFunc(
		func(c *config) error {
			c.bindDevice = ifname
			return nil
		})
}

// Resolver overrides the DNS resolver used when creating sockets.
func Resolver(r address.Resolver) Option {
	return optionFunc(
		func(c *config) error {
			c.resolver = r
			return nil
		})
}

// HTTPClient configures the HTTP client driving WS and WSS upgrades.
func HTTPClient(cfg arrangehttp.ClientConfig) Option {
	return optionFunc(
		func(c *config) error {
			if _, err := cfg.NewClient(); err != nil {
				return errors.Join(ErrMisconfigured, err)
			}
			c.httpClient = cfg
			return nil
		})
}

// WSRequest sets the upgrade request context (path, headers, credentials)
// used by WS and WSS clients.
func WSRequest(ctx stream.WSRequestContext) Option {
	return optionFunc(
		func(c *config) error {
			c.wsRequest = ctx
			return nil
		})
}

// AuthContext makes a WS or WSS server challenge upgrades with the given
// scheme and realm.
func AuthContext(mode httpauth.Mode, realm string) Option {
	return optionFunc(
		func(c *config) error {
			if mode != httpauth.None && realm == "" {
				return fmt.Errorf("%w: empty auth realm", ErrMisconfigured)
			}
			c.authMode = mode
			c.authRealm = realm
			return nil
		})
}

// AddConnectListener adds a connect listener.
func AddConnectListener(listener event.ConnectListener, cancel ...*event.CancelFunc) Option {
	return optionFunc(
		func(c *config) error {
			var ignored event.CancelFunc
			cancel = append(cancel, &ignored)
			*cancel[0] = c.observers.addConnect(listener)
			return nil
		})
}

// AddDisconnectListener adds a disconnect listener.
func AddDisconnectListener(listener event.DisconnectListener, cancel ...*event.CancelFunc) Option {
	return optionFunc(
		func(c *config) error {
			var ignored event.CancelFunc
			cancel = append(cancel, &ignored)
			*cancel[0] = c.observers.addDisconnect(listener)
			return nil
		})
}

// AddMessageListener adds a message listener, called for every inbound
// message on every socket of the factory.
func AddMessageListener(listener event.MsgListener, cancel ...*event.CancelFunc) Option {
	return optionFunc(
		func(c *config) error {
			var ignored event.CancelFunc
			cancel = append(cancel, &ignored)
			*cancel[0] = c.observers.addMessage(listener)
			return nil
		})
}

// validate applies the cross-field rules once all options ran.
func (c *config) validate() error {
	if c.typ.Secure() && c.tls == nil {
		return fmt.Errorf("%w: %s requires a TLS config", ErrMisconfigured, c.typ)
	}
	if c.authMode != httpauth.None && !c.typ.Framed() {
		return fmt.Errorf("%w: auth context requires a websocket transport", ErrMisconfigured)
	}
	return nil
}
