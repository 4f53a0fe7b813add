// Package frame turns an arbitrarily chunked byte stream into MQTT packets.
package frame

import (
	"github.com/RoanBrand/mqttcore/internal/codec"
	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/pkg/errors"
)

// Accumulator states
const (
	AwaitingHeader = iota // control byte + remaining length
	AwaitingBody          // variable header + payload
)

// DefaultMaxFrameSize caps a frame when the caller sets no limit.
const DefaultMaxFrameSize = 1 << 20

// Accumulator buffers partial frames of one connection. It is not safe for
// concurrent use. After Feed returns an error the accumulator stays failed.
type Accumulator struct {
	buf      []byte
	maxFrame int

	state     uint8
	ctrl      byte
	headerLen int
	remaining int

	err error
}

// New returns an accumulator rejecting frames larger than maxFrame bytes.
// maxFrame <= 0 selects DefaultMaxFrameSize.
func New(maxFrame int) *Accumulator {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Accumulator{maxFrame: maxFrame}
}

// Feed appends chunk and returns every packet completed by it, in order.
// A CONNECT with an unsupported protocol is returned as the last packet along
// with the error, so the caller can still refuse it with CONNACK.
func (a *Accumulator) Feed(chunk []byte) ([]model.Packet, error) {
	if a.err != nil {
		return nil, a.err
	}

	a.buf = append(a.buf, chunk...)
	var out []model.Packet
	consumed := 0

	for {
		rx := a.buf[consumed:]

		if a.state == AwaitingHeader {
			ctrl, rl, hl, err := codec.DecodeHeader(rx)
			if err == codec.ErrNeedMore {
				break
			}
			if err != nil {
				return out, a.fail(err)
			}
			if hl+rl > a.maxFrame {
				return out, a.fail(errors.Wrapf(model.ErrFrameTooLarge, "frame of %d bytes exceeds %d", hl+rl, a.maxFrame))
			}
			a.ctrl, a.headerLen, a.remaining = ctrl, hl, rl
			a.state = AwaitingBody
		}

		frameLen := a.headerLen + a.remaining
		if len(rx) < frameLen {
			break
		}

		p, err := codec.DecodeBody(a.ctrl, rx[a.headerLen:frameLen])
		if err != nil {
			if p != nil {
				out = append(out, p)
			}
			return out, a.fail(err)
		}
		out = append(out, p)
		consumed += frameLen
		a.state = AwaitingHeader
	}

	if consumed > 0 {
		a.buf = a.buf[:copy(a.buf, a.buf[consumed:])]
	}
	return out, nil
}

func (a *Accumulator) fail(err error) error {
	a.err = err
	a.buf = nil
	return err
}

// State returns AwaitingHeader or AwaitingBody.
func (a *Accumulator) State() uint8 {
	return a.state
}

// Buffered returns the number of bytes held for an incomplete frame.
func (a *Accumulator) Buffered() int {
	return len(a.buf)
}

// Reset drops buffered bytes and any sticky error.
func (a *Accumulator) Reset() {
	a.buf = nil
	a.state = AwaitingHeader
	a.ctrl, a.headerLen, a.remaining = 0, 0, 0
	a.err = nil
}
