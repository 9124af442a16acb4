package method

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gotest.tools/v3/assert"
	"pgregory.net/rapid"

	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/protocol"
)

func shortString() *rapid.Generator[string] {
	return rapid.StringN(0, -1, protocol.MaxShortStringLen)
}

func table() *rapid.Generator[protocol.Table] {
	return rapid.Custom(func(t *rapid.T) protocol.Table {
		n := rapid.IntRange(0, 3).Draw(t, "tableSize")
		tbl := protocol.Table{}
		for i := 0; i < n; i++ {
			k := rapid.StringN(1, 20, 60).Draw(t, "key")
			switch rapid.IntRange(0, 3).Draw(t, "kind") {
			case 0:
				tbl[k] = rapid.Bool().Draw(t, "bool")
			case 1:
				tbl[k] = rapid.Int32().Draw(t, "int32")
			case 2:
				tbl[k] = rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "bytes")
			default:
				tbl[k] = protocol.Table{"nested": rapid.Int64().Draw(t, "int64")}
			}
		}
		return tbl
	})
}

func anyMethod() *rapid.Generator[Method] {
	return rapid.Custom(func(t *rapid.T) Method {
		str := func(label string) string { return shortString().Draw(t, label) }
		long := func(label string) string {
			return string(rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, label))
		}
		b := func(label string) bool { return rapid.Bool().Draw(t, label) }
		u16 := func(label string) uint16 { return rapid.Uint16().Draw(t, label) }

		switch rapid.IntRange(0, 19).Draw(t, "method") {
		case 0:
			return &ConnectionStart{
				VersionMajor:     rapid.Uint8().Draw(t, "major"),
				VersionMinor:     rapid.Uint8().Draw(t, "minor"),
				ServerProperties: table().Draw(t, "props"),
				Mechanisms:       long("mechanisms"),
				Locales:          long("locales"),
			}
		case 1:
			return &ConnectionStartOk{
				ClientProperties: table().Draw(t, "props"),
				Mechanism:        str("mechanism"),
				Response:         long("response"),
				Locale:           str("locale"),
			}
		case 2:
			return &ConnectionTune{
				ChannelMax: u16("channelMax"),
				FrameMax:   rapid.Uint32().Draw(t, "frameMax"),
				Heartbeat:  u16("heartbeat"),
			}
		case 3:
			return &ConnectionOpen{VirtualHost: str("vhost"), Capabilities: str("caps"), Insist: b("insist")}
		case 4:
			return &ConnectionClose{ReplyCode: u16("code"), ReplyText: str("text"), ClassID: u16("class"), MethodID: u16("method")}
		case 5:
			return &ChannelOpen{OutOfBand: str("oob")}
		case 6:
			return &ChannelFlow{Active: b("active")}
		case 7:
			return &ChannelClose{ReplyCode: u16("code"), ReplyText: str("text"), ClassID: u16("class"), MethodID: u16("method")}
		case 8:
			return &ExchangeDeclare{
				Ticket:     u16("ticket"),
				Exchange:   str("exchange"),
				Type:       str("type"),
				Passive:    b("passive"),
				Durable:    b("durable"),
				AutoDelete: b("autoDelete"),
				Internal:   b("internal"),
				NoWait:     b("noWait"),
				Arguments:  table().Draw(t, "args"),
			}
		case 9:
			return &ExchangeDelete{Exchange: str("exchange"), IfUnused: b("ifUnused"), NoWait: b("noWait")}
		case 10:
			return &BasicQos{PrefetchSize: rapid.Uint32().Draw(t, "size"), PrefetchCount: u16("count"), Global: b("global")}
		case 11:
			return &BasicConsume{
				Queue:       str("queue"),
				ConsumerTag: str("tag"),
				NoLocal:     b("noLocal"),
				NoAck:       b("noAck"),
				Exclusive:   b("exclusive"),
				NoWait:      b("noWait"),
				Arguments:   table().Draw(t, "args"),
			}
		case 12:
			return &BasicConsumeOk{ConsumerTag: str("tag")}
		case 13:
			return &BasicCancel{ConsumerTag: str("tag"), NoWait: b("noWait")}
		case 14:
			return &BasicPublish{Exchange: str("exchange"), RoutingKey: str("key"), Mandatory: b("mandatory"), Immediate: b("immediate")}
		case 15:
			return &BasicReturn{ReplyCode: u16("code"), ReplyText: str("text"), Exchange: str("exchange"), RoutingKey: str("key")}
		case 16:
			return &BasicDeliver{
				ConsumerTag: str("tag"),
				DeliveryTag: rapid.Uint64().Draw(t, "deliveryTag"),
				Redelivered: b("redelivered"),
				Exchange:    str("exchange"),
				RoutingKey:  str("key"),
			}
		case 17:
			return &BasicAck{DeliveryTag: rapid.Uint64().Draw(t, "tag"), Multiple: b("multiple")}
		case 18:
			return &BasicReject{DeliveryTag: rapid.Uint64().Draw(t, "tag"), Requeue: b("requeue")}
		default:
			return &BasicNack{DeliveryTag: rapid.Uint64().Draw(t, "tag"), Multiple: b("multiple"), Requeue: b("requeue")}
		}
	})
}

func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := anyMethod().Draw(t, "m")

		encoded, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode(%s): %v", Name(m), err)
		}

		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%s): %v", Name(m), err)
		}

		if diff := cmp.Diff(m, decoded, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("%s round trip mismatch (-want +got):\n%s", Name(m), diff)
		}

		reencoded, err := Encode(decoded)
		if err != nil {
			t.Fatalf("re-Encode(%s): %v", Name(m), err)
		}
		if !bytes.Equal(encoded, reencoded) {
			t.Fatalf("%s: Encode(Decode(b)) != b", Name(m))
		}
	})
}

func TestBoundaries(t *testing.T) {
	tests := []struct {
		name string
		m    Method
	}{
		{"empty strings", &BasicPublish{}},
		{"max short string", &BasicPublish{Exchange: strings.Repeat("e", 255), RoutingKey: strings.Repeat("k", 255)}},
		{"max tag", &BasicAck{DeliveryTag: ^uint64(0), Multiple: true}},
		{"empty close", &ConnectionCloseOk{}},
		{"empty table", &ExchangeDeclare{Exchange: "x", Type: "direct", Arguments: protocol.Table{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.m)
			assert.NilError(t, err)

			decoded, err := Decode(encoded)
			assert.NilError(t, err)

			reencoded, err := Encode(decoded)
			assert.NilError(t, err)
			assert.DeepEqual(t, encoded, reencoded)
		})
	}
}

func TestShortStringTooLong(t *testing.T) {
	_, err := Encode(&BasicPublish{Exchange: strings.Repeat("e", 256)})
	assert.ErrorContains(t, err, "short string too long")
}

func TestBitPacking(t *testing.T) {
	encoded, err := Encode(&ExchangeDeclare{Exchange: "x", Type: "fanout", Durable: true, Internal: true})
	assert.NilError(t, err)

	// class(2) method(2) ticket(2) "x"(2) "fanout"(7) bits(1) table(4)
	bits := encoded[15]
	if bits != 0x0A {
		t.Errorf("flag octet: got 0x%02x, want 0x0a", bits)
	}

	encoded, err = Encode(&BasicNack{DeliveryTag: 7, Multiple: false, Requeue: true})
	assert.NilError(t, err)
	if last := encoded[len(encoded)-1]; last != 0x02 {
		t.Errorf("nack flag octet: got 0x%02x, want 0x02", last)
	}
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Encode(&BasicDeliver{ConsumerTag: "ctag", DeliveryTag: 1, Exchange: "x", RoutingKey: "k"})
	assert.NilError(t, err)

	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"too short", []byte{0x00, 0x3C}, ErrMalformedFrame},
		{"truncated", valid[:len(valid)-2], ErrMalformedFrame},
		{"trailing bytes", append(append([]byte{}, valid...), 0x00), ErrMalformedFrame},
		{"unknown class", []byte{0x00, 0x63, 0x00, 0x0A}, ErrUnknownMethod},
		{"unknown basic method", []byte{0x00, 0x3C, 0x00, 0x63}, ErrUnknownMethod},
		{"string past end", []byte{0x00, 0x3C, 0x00, 0x15, 0xFF, 'a'}, ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.payload)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode: got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewFrame(t *testing.T) {
	f, err := NewFrame(5, &ChannelOpen{})
	assert.NilError(t, err)
	assert.Equal(t, f.ChannelID, uint16(5))
	assert.Equal(t, f.Type, uint8(protocol.FrameMethod))

	m, err := DecodeFrame(f)
	assert.NilError(t, err)
	assert.Equal(t, Name(m), "channel.open")

	_, err = DecodeFrame(frame.NewHeartbeatFrame())
	assert.Assert(t, errors.Is(err, ErrMalformedFrame))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		m       Method
		content bool
		async   bool
	}{
		{&BasicPublish{}, true, false},
		{&BasicDeliver{}, true, true},
		{&BasicReturn{}, true, true},
		{&BasicAck{}, false, true},
		{&BasicNack{}, false, true},
		{&BasicCancel{}, false, true},
		{&BasicCancelOk{}, false, false},
		{&ChannelClose{}, false, true},
		{&ChannelCloseOk{}, false, false},
		{&ChannelFlow{}, false, true},
		{&ConnectionClose{}, false, true},
		{&ConnectionBlocked{}, false, true},
		{&ExchangeDeclareOk{}, false, false},
		{&BasicConsumeOk{}, false, false},
	}

	for _, tt := range tests {
		t.Run(Name(tt.m), func(t *testing.T) {
			assert.Equal(t, HasContent(tt.m), tt.content)
			assert.Equal(t, IsAsync(tt.m), tt.async)
		})
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, Name(&ConnectionStartOk{}), "connection.start-ok")
	assert.Equal(t, Name(&BasicNack{}), "basic.nack")
	assert.Equal(t, Name(&ExchangeDeleteOk{}), "exchange.delete-ok")
	assert.Equal(t, len(registry), 34)
}
