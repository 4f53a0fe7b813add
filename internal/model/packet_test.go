package model

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishInvariants(t *testing.T) {
	t.Parallel()

	p, err := NewPublish("a/b", []byte("x"), AtLeastOnce, false, false, 7)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), p.PacketID)

	_, err = NewPublish("a/b", nil, AtLeastOnce, false, false, 0)
	assert.True(t, errors.Is(err, ErrMalformedPacket), "QoS 1 needs an id")

	_, err = NewPublish("a/b", nil, AtMostOnce, false, false, 3)
	assert.True(t, errors.Is(err, ErrMalformedPacket), "QoS 0 must not carry an id")

	_, err = NewPublish("a/b", nil, AtMostOnce, false, true, 0)
	assert.True(t, errors.Is(err, ErrMalformedPacket), "DUP on QoS 0")

	_, err = NewPublish("a/+/c", nil, AtMostOnce, false, false, 0)
	assert.True(t, errors.Is(err, ErrMalformedPacket), "wildcard in topic name")

	_, err = NewPublish("a/#", nil, AtMostOnce, false, false, 0)
	assert.True(t, errors.Is(err, ErrMalformedPacket), "wildcard in topic name")

	_, err = NewPublish("a", nil, 3, false, false, 1)
	assert.True(t, errors.Is(err, ErrMalformedPacket), "QoS 3")

	_, err = NewPublish("", nil, AtMostOnce, false, false, 0)
	assert.True(t, errors.Is(err, ErrMalformedPacket), "empty topic")
}

func TestSubscribeInvariants(t *testing.T) {
	t.Parallel()

	_, err := NewSubscribe(1)
	assert.True(t, errors.Is(err, ErrMalformedPacket), "empty request list")

	_, err = NewSubscribe(0, Subscription{"a", AtMostOnce})
	assert.True(t, errors.Is(err, ErrMalformedPacket), "id 0")

	_, err = NewSubscribe(1, Subscription{"a", 3})
	assert.True(t, errors.Is(err, ErrMalformedPacket), "QoS 3")

	s, err := NewSubscribe(1, Subscription{"a/+/b", ExactlyOnce}, Subscription{"#", AtMostOnce})
	require.NoError(t, err)
	assert.Len(t, s.Requests, 2)

	// a decoded SUBSCRIBE keeps bad filters for per entry refusal
	decoded := &Subscribe{PacketID: 1, Requests: []Subscription{{"a/#/b", ExactlyOnce}}}
	assert.NoError(t, decoded.Validate())

	_, err = NewSubAck(1, 0, 1, 2, SubscriptionFailed)
	require.NoError(t, err)

	_, err = NewSubAck(1, 3)
	assert.True(t, errors.Is(err, ErrMalformedPacket))

	_, err = NewUnsubscribe(2)
	assert.True(t, errors.Is(err, ErrMalformedPacket))

	u, err := NewUnsubscribe(2, "a/+", "a/#", "+")
	require.NoError(t, err)
	assert.Len(t, u.Filters, 3)
}

func TestFilterGrammar(t *testing.T) {
	t.Parallel()

	tests := []struct {
		filter string
		want   error
	}{
		{"a/b", nil},
		{"+/+", nil},
		{"a/#", nil},
		{"#", nil},
		{"/", nil},
		{"a/#/b", ErrInvalidMultiWildcard},
		{"a#", ErrInvalidMultiWildcard},
		{"#/a", ErrInvalidMultiWildcard},
		{"a/b+", ErrInvalidSingleWildcard},
		{"+a/b", ErrInvalidSingleWildcard},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			err := CheckFilterGrammar(tt.filter)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tt.want), "%v", err)
			}

			_, err = NewSubscribe(1, Subscription{tt.filter, AtLeastOnce})
			assert.Equal(t, tt.want != nil, errors.Is(err, ErrMalformedPacket), "NewSubscribe: %v", err)

			_, err = NewUnsubscribe(1, tt.filter)
			assert.Equal(t, tt.want != nil, errors.Is(err, ErrMalformedPacket), "NewUnsubscribe: %v", err)
		})
	}
}

func TestConnectInvariants(t *testing.T) {
	t.Parallel()

	c, err := NewConnect("c1", true, 30)
	require.NoError(t, err)
	assert.Equal(t, uint8(ProtocolLevel311), c.ProtocolLevel)

	bad := &Connect{ProtocolLevel: ProtocolLevel311, PasswordFlag: true, Password: []byte("p")}
	assert.True(t, errors.Is(bad.Validate(), ErrMalformedPacket), "password without username")

	require.NoError(t, c.SetCredentials("user", []byte("pass")))

	err = c.SetWill(&Will{Topic: "will/#", Payload: []byte("gone")})
	assert.True(t, errors.Is(err, ErrMalformedPacket), "wildcard will topic")

	err = c.SetWill(&Will{Topic: "will", QoS: 3})
	assert.True(t, errors.Is(err, ErrMalformedPacket))

	require.NoError(t, c.SetWill(&Will{Topic: "will", QoS: ExactlyOnce, Retain: true}))

	_, err = NewConnAck(IdentifierRejected, true)
	assert.True(t, errors.Is(err, ErrMalformedPacket), "session present on refusal")
}

func TestAckInvariants(t *testing.T) {
	t.Parallel()

	for _, f := range []func(uint16) error{
		func(id uint16) error { _, err := NewPubAck(id); return err },
		func(id uint16) error { _, err := NewPubRec(id); return err },
		func(id uint16) error { _, err := NewPubRel(id); return err },
		func(id uint16) error { _, err := NewPubComp(id); return err },
		func(id uint16) error { _, err := NewUnsubAck(id); return err },
	} {
		assert.True(t, errors.Is(f(0), ErrMalformedPacket))
		assert.NoError(t, f(65535))
	}
}

func TestUTF8(t *testing.T) {
	t.Parallel()

	// U+0000 invalid
	if err := CheckUTF8(string([]byte{0x00}), false); err == nil {
		t.Fatal(0)
	}

	// U+D7FF valid
	if err := CheckUTF8(string([]byte{0xED, 0x9F, 0xBF, 0x31}), false); err != nil {
		t.Fatal(1, err)
	}

	// U+D800 invalid
	if err := CheckUTF8(string([]byte{0xED, 0xA0, 0x80}), false); err == nil {
		t.Fatal(3)
	}

	// U+DFFF invalid
	if err := CheckUTF8(string([]byte{0xED, 0xBF, 0xBF}), false); err == nil {
		t.Fatal(4)
	}

	// U+E000 valid
	if err := CheckUTF8(string([]byte{0xEE, 0x80, 0x80}), false); err != nil {
		t.Fatal(5, err)
	}

	// U+0001, U+FEFF valid
	if err := CheckUTF8(string([]byte{0x01, 0xEF, 0xBB, 0xBF, 0x59}), false); err != nil {
		t.Fatal(6, err)
	}

	// U+0001, U+FEFF, U+0000 invalid
	if err := CheckUTF8(string([]byte{0x01, 0xEF, 0xBB, 0xBF, 0x59, 0}), false); err == nil {
		t.Fatal(7)
	}

	if err := CheckUTF8("a/+", true); err == nil {
		t.Fatal(8)
	}
}
