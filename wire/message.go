// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the MessagePack-RPC framing carried over every
// transport: tagged arrays holding Request, Response, and Notify messages.
package wire

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tinylib/msgp/msgp"
)

var (
	ErrBadFrame      = errors.New("malformed frame")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// DefaultMaxFrameBytes caps a single decoded frame unless overridden.
const DefaultMaxFrameBytes = 16 << 20

// Type tags the message variant on the wire.
type Type uint8

const (
	TypeRequest  Type = 0
	TypeResponse Type = 1
	TypeNotify   Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeNotify:
		return "notify"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Message is one frame of the application protocol.
type Message interface {
	// Type reports the variant tag.
	Type() Type

	appendTo(b []byte) ([]byte, error)
}

// Request asks the peer to invoke a method and reply with a Response
// carrying the same id.
type Request struct {
	ID     uint32
	Method string
	Params []any
}

func (Request) Type() Type { return TypeRequest }

func (m Request) appendTo(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendUint8(b, uint8(TypeRequest))
	b = msgp.AppendUint32(b, m.ID)
	b = msgp.AppendString(b, m.Method)
	return appendParams(b, m.Params)
}

// Response answers the Request with the matching id.  Exactly one of Error
// and Result is meaningful; Error is nil on success.
type Response struct {
	ID     uint32
	Error  any
	Result any
}

func (Response) Type() Type { return TypeResponse }

func (m Response) appendTo(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendUint8(b, uint8(TypeResponse))
	b = msgp.AppendUint32(b, m.ID)
	var err error
	if b, err = msgp.AppendIntf(b, m.Error); err != nil {
		return nil, errors.Join(ErrBadFrame, err)
	}
	if b, err = msgp.AppendIntf(b, m.Result); err != nil {
		return nil, errors.Join(ErrBadFrame, err)
	}
	return b, nil
}

// Notify carries a method invocation that expects no reply.
type Notify struct {
	Method string
	Params []any
}

func (Notify) Type() Type { return TypeNotify }

func (m Notify) appendTo(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendUint8(b, uint8(TypeNotify))
	b = msgp.AppendString(b, m.Method)
	return appendParams(b, m.Params)
}

func appendParams(b []byte, params []any) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, uint32(len(params)))
	for _, p := range params {
		var err error
		if b, err = msgp.AppendIntf(b, p); err != nil {
			return nil, errors.Join(ErrBadFrame, err)
		}
	}
	return b, nil
}

// IDSequence allocates request ids, one sequence per socket.  Ids are
// monotonically increasing and wrap at 2^32.
type IDSequence struct {
	n atomic.Uint32
}

// Next returns the next id in the sequence.
func (s *IDSequence) Next() uint32 {
	return s.n.Add(1) - 1
}
