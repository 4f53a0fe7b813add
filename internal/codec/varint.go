package codec

import (
	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/pkg/errors"
)

// MaxRemainingLength is the protocol ceiling of the remaining length field
// (256 MB).
const MaxRemainingLength = 268435455

// VariableLengthEncode appends l as a remaining length varint. l must be in
// range; use AppendRemainingLength when it is not known to be.
func VariableLengthEncode(packet []byte, l int) []byte {
	for {
		eb := l % 128
		l /= 128
		if l > 0 {
			eb |= 128
		}
		packet = append(packet, byte(eb))
		if l <= 0 {
			break
		}
	}
	return packet
}

// AppendRemainingLength appends l as a remaining length varint, failing with
// model.ErrEncoding if l is outside 0..MaxRemainingLength.
func AppendRemainingLength(packet []byte, l int) ([]byte, error) {
	if l < 0 || l > MaxRemainingLength {
		return packet, errors.Wrapf(model.ErrEncoding, "remaining length %d out of range", l)
	}
	return VariableLengthEncode(packet, l), nil
}

func LengthToNumberOfVariableLengthBytes(l int) int {
	switch {
	case l < 128:
		return 1
	case l < 16384:
		return 2
	case l < 2097152:
		return 3
	default:
		return 4
	}
}

// decodeRemainingLength reads the varint at the start of b. n is the number of
// bytes it occupies.
func decodeRemainingLength(b []byte) (l, n int, err error) {
	mul := 1
	for n < len(b) {
		eb := b[n]
		l += int(eb&127) * mul
		n++
		if eb&128 == 0 {
			return l, n, nil
		}
		if n == 4 {
			return 0, 0, errors.Wrap(model.ErrMalformedPacket, "malformed remaining length")
		}
		mul *= 128
	}
	return 0, 0, ErrNeedMore
}
