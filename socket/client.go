// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meshwire/meshwire/address"
	"github.com/meshwire/meshwire/reactor"
	"github.com/meshwire/meshwire/socket/event"
)

// Client produces outbound sockets of one transport type, all dispatching
// to the same handler and sharing the factory defaults.
type Client struct {
	cfg     config
	handler Handler
}

// NewClient creates a socket factory for outbound connections.
func NewClient(handler Handler, opts ...Option) (*Client, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrMisconfigured)
	}

	c := &Client{
		cfg:     defaultConfig(),
		handler: handler,
	}

	for _, opt := range opts {
		if opt != nil {
			if err := opt.apply(&c.cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := c.cfg.validate(); err != nil {
		return nil, err
	}

	if c.cfg.loop == nil {
		c.cfg.loop = reactor.Shared()
	}
	if c.cfg.logger == nil {
		c.cfg.logger = defaultLogger()
	}

	return c, nil
}

// NewSocket resolves the peer and returns a disconnected socket bound to
// it.  Resolution failure still yields a usable handle; its connection
// attempt ends with OnDisconnect carrying EINVAL.
func (c *Client) NewSocket(host string, port int) Socket {
	ctx := context.Background()
	if c.cfg.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.connectTimeout)
		defer cancel()
	}

	peer := address.Resolve(ctx, c.cfg.resolver, host, port)
	if peer.IsUndefined() {
		c.cfg.logger.Warn("peer did not resolve",
			zap.String("host", host), zap.Int("port", port))
	}

	h := newHandle(coreConfig{
		typ:               c.cfg.typ,
		peer:              peer,
		bindDevice:        c.cfg.bindDevice,
		connectTimeout:    c.cfg.connectTimeout,
		requestTimeout:    c.cfg.requestTimeout,
		sendTimeout:       c.cfg.sendTimeout,
		keepAliveInterval: c.cfg.keepAliveInterval,
		maxMessageBytes:   c.cfg.maxMessageBytes,
		tls:               c.cfg.tls,
		httpClient:        c.cfg.httpClient,
		wsRequest:         c.cfg.wsRequest,
		loop:              c.cfg.loop,
		logger:            c.cfg.logger,
		handler:           c.handler,
		observers:         &c.cfg.observers,
	})

	return Socket{h: h}
}

// AddConnectListener adds a connect listener after construction.
func (c *Client) AddConnectListener(l event.ConnectListener) event.CancelFunc {
	return c.cfg.observers.addConnect(l)
}

// AddDisconnectListener adds a disconnect listener after construction.
func (c *Client) AddDisconnectListener(l event.DisconnectListener) event.CancelFunc {
	return c.cfg.observers.addDisconnect(l)
}

// AddMessageListener adds a message listener after construction.
func (c *Client) AddMessageListener(l event.MsgListener) event.CancelFunc {
	return c.cfg.observers.addMessage(l)
}
