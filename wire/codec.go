// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// Marshal encodes a single message into its framed form.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrBadFrame)
	}
	return m.appendTo(nil)
}

// Decoder turns a byte stream back into messages.  It is incremental: bytes
// from partial frames stay buffered until the rest arrives.  A Decoder is
// not safe for concurrent use; each socket owns one.
type Decoder struct {
	// MaxFrameBytes caps the size of a single frame.  Zero means
	// DefaultMaxFrameBytes.
	MaxFrameBytes int

	buf []byte
}

func (d *Decoder) max() int {
	if d.MaxFrameBytes > 0 {
		return d.MaxFrameBytes
	}
	return DefaultMaxFrameBytes
}

// Feed appends raw bytes from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many bytes are waiting to be decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any buffered bytes.
func (d *Decoder) Reset() {
	d.buf = nil
}

// Next decodes and consumes one message.  It returns (nil, nil) when the
// buffered bytes do not yet hold a complete frame.  ErrFrameTooLarge is
// returned once a frame, partial or complete, exceeds the limit; ErrBadFrame
// for bytes that can never become a valid message.
func (d *Decoder) Next() (Message, error) {
	if len(d.buf) == 0 {
		return nil, nil
	}

	msg, rest, err := decodeOne(d.buf)
	switch {
	case err == nil:
		if len(d.buf)-len(rest) > d.max() {
			return nil, ErrFrameTooLarge
		}
		// copy down rather than aliasing so Feed can keep appending
		d.buf = append(d.buf[:0], rest...)
		return msg, nil
	case errors.Is(err, msgp.ErrShortBytes):
		if len(d.buf) > d.max() {
			return nil, ErrFrameTooLarge
		}
		return nil, nil
	default:
		return nil, err
	}
}

func decodeOne(b []byte) (Message, []byte, error) {
	sz, rest, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, nil, wrapDecodeErr(err)
	}

	tag, rest, err := msgp.ReadUint8Bytes(rest)
	if err != nil {
		return nil, nil, wrapDecodeErr(err)
	}

	switch Type(tag) {
	case TypeRequest:
		if sz != 4 {
			return nil, nil, fmt.Errorf("%w: request arity %d", ErrBadFrame, sz)
		}
		var m Request
		if m.ID, rest, err = msgp.ReadUint32Bytes(rest); err != nil {
			return nil, nil, wrapDecodeErr(err)
		}
		if m.Method, rest, err = msgp.ReadStringBytes(rest); err != nil {
			return nil, nil, wrapDecodeErr(err)
		}
		if m.Params, rest, err = readParams(rest); err != nil {
			return nil, nil, err
		}
		return m, rest, nil

	case TypeResponse:
		if sz != 4 {
			return nil, nil, fmt.Errorf("%w: response arity %d", ErrBadFrame, sz)
		}
		var m Response
		if m.ID, rest, err = msgp.ReadUint32Bytes(rest); err != nil {
			return nil, nil, wrapDecodeErr(err)
		}
		if m.Error, rest, err = msgp.ReadIntfBytes(rest); err != nil {
			return nil, nil, wrapDecodeErr(err)
		}
		if m.Result, rest, err = msgp.ReadIntfBytes(rest); err != nil {
			return nil, nil, wrapDecodeErr(err)
		}
		return m, rest, nil

	case TypeNotify:
		if sz != 3 {
			return nil, nil, fmt.Errorf("%w: notify arity %d", ErrBadFrame, sz)
		}
		var m Notify
		if m.Method, rest, err = msgp.ReadStringBytes(rest); err != nil {
			return nil, nil, wrapDecodeErr(err)
		}
		if m.Params, rest, err = readParams(rest); err != nil {
			return nil, nil, err
		}
		return m, rest, nil
	}

	return nil, nil, fmt.Errorf("%w: unknown type tag %d", ErrBadFrame, tag)
}

func readParams(b []byte) ([]any, []byte, error) {
	sz, rest, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, nil, wrapDecodeErr(err)
	}
	// every element takes at least one byte, so a count beyond the bytes at
	// hand cannot be complete yet; this also bounds the allocation below
	if uint64(sz) > uint64(len(rest)) {
		return nil, nil, msgp.ErrShortBytes
	}

	params := make([]any, 0, sz)
	for i := uint32(0); i < sz; i++ {
		var v any
		if v, rest, err = msgp.ReadIntfBytes(rest); err != nil {
			return nil, nil, wrapDecodeErr(err)
		}
		params = append(params, v)
	}
	return params, rest, nil
}

func wrapDecodeErr(err error) error {
	if errors.Is(err, msgp.ErrShortBytes) {
		return err
	}
	return errors.Join(ErrBadFrame, err)
}
