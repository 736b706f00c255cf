package frame

import (
	"bytes"
	"testing"
)

func TestRemainingLengthRoundTrip(t *testing.T) {
	t.Parallel()

	vals := []int{0, 1, 126, 127, 128, 16383, 16384, 2097151, 2097152, 268435455}
	for _, l := range vals {
		enc := EncodeRemainingLength(nil, l)
		got, consumed, err := DecodeRemainingLength(enc)
		if err != nil {
			t.Fatalf("l=%d: decode error: %v", l, err)
		}
		if consumed != len(enc) {
			t.Fatalf("l=%d: consumed %d, want %d", l, consumed, len(enc))
		}
		if got != l {
			t.Fatalf("l=%d: decoded %d", l, got)
		}
	}
}

func TestRemainingLengthMalformed(t *testing.T) {
	t.Parallel()

	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}
	_, _, err := DecodeRemainingLength(buf)
	if err != ErrMalformedLength {
		t.Fatalf("got %v, want ErrMalformedLength", err)
	}
}

func TestRemainingLengthIncomplete(t *testing.T) {
	t.Parallel()

	cases := [][]byte{
		{},
		{0xFF},
		{0xFF, 0xFF},
		{0xFF, 0xFF, 0xFF},
	}
	for _, buf := range cases {
		_, _, err := DecodeRemainingLength(buf)
		if err != ErrIncomplete {
			t.Fatalf("buf=%v: got %v, want ErrIncomplete", buf, err)
		}
	}
}

func TestNextIncompleteWaitsForMoreBytes(t *testing.T) {
	t.Parallel()

	full := EncodePublish("a/b", []byte("hello"))
	for i := 1; i < len(full); i++ {
		_, rest, ok, err := Next(full[:i])
		if err != nil {
			t.Fatalf("i=%d: unexpected error %v", i, err)
		}
		if ok {
			t.Fatalf("i=%d: should be incomplete", i)
		}
		if !bytes.Equal(rest, full[:i]) {
			t.Fatalf("i=%d: partial buffer must not be consumed", i)
		}
	}

	raw, rest, ok, err := Next(full)
	if err != nil || !ok {
		t.Fatalf("full frame: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(raw, full) || len(rest) != 0 {
		t.Fatalf("full frame: raw/rest mismatch")
	}
}

func TestNextExtractsMultipleFramesOneCall(t *testing.T) {
	t.Parallel()

	f1 := EncodePingresp()
	f2 := EncodeConnack()
	buf := append(append([]byte{}, f1...), f2...)

	raw, rest, ok, err := Next(buf)
	if err != nil || !ok || !bytes.Equal(raw, f1) {
		t.Fatalf("first frame mismatch: raw=%v ok=%v err=%v", raw, ok, err)
	}
	raw2, rest2, ok2, err2 := Next(rest)
	if err2 != nil || !ok2 || !bytes.Equal(raw2, f2) {
		t.Fatalf("second frame mismatch: raw=%v ok=%v err=%v", raw2, ok2, err2)
	}
	if len(rest2) != 0 {
		t.Fatalf("trailing bytes left over: %v", rest2)
	}
}

func TestDecodeConnect(t *testing.T) {
	t.Parallel()

	raw := []byte{
		CONNECT, 12,
		0, 4, 'M', 'Q', 'T', 'T',
		4,    // level
		0,    // flags
		0, 0, // keep alive
		0, 0, // empty client id
	}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if f.Type != TypeConnect || f.ClientID != "" {
		t.Fatalf("got %+v", f)
	}
}

func TestDecodeConnectWithClientID(t *testing.T) {
	t.Parallel()

	cid := "probe-1"
	raw := []byte{CONNECT, byte(12 + len(cid))}
	raw = append(raw, 0, 4, 'M', 'Q', 'T', 'T', 4, 0, 0, 0)
	raw = append(raw, byte(len(cid)>>8), byte(len(cid)))
	raw = append(raw, cid...)

	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if f.ClientID != cid {
		t.Fatalf("got client id %q, want %q", f.ClientID, cid)
	}
}

func TestDecodePublishQoS0(t *testing.T) {
	t.Parallel()

	raw := EncodePublish("sensor/temp", []byte{0x01, 0x02})
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if f.Type != TypePublish || f.Topic != "sensor/temp" || !bytes.Equal(f.Payload, []byte{0x01, 0x02}) {
		t.Fatalf("got %+v", f)
	}
}

func TestDecodePublishQoS1HasPacketID(t *testing.T) {
	t.Parallel()

	raw := []byte{PUBLISH | 0x02, 8, 0, 3, 'a', '/', 'b', 0x12, 0x34, 'x'}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if f.PacketID != 0x1234 || f.QoS != 1 || string(f.Payload) != "x" {
		t.Fatalf("got %+v", f)
	}
}

func TestDecodeSubscribe(t *testing.T) {
	t.Parallel()

	raw := []byte{
		SUBSCRIBE | 0x02, 12,
		0, 1, // packet id
		0, 3, 'a', '/', 'b', 0, // QoS byte
		0, 1, 'c', 1,
	}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if f.PacketID != 1 || len(f.Topics) != 2 || f.Topics[0] != "a/b" || f.Topics[1] != "c" {
		t.Fatalf("got %+v", f)
	}
}

func TestDecodeReservedTypesAreMalformed(t *testing.T) {
	t.Parallel()

	for _, h := range []byte{typeReserved0, typeReserved15} {
		_, err := Decode([]byte{h, 0})
		if err != ErrMalformedBody {
			t.Fatalf("header %#x: got %v, want ErrMalformedBody", h, err)
		}
	}
}

func TestDecodeUnsupportedType(t *testing.T) {
	t.Parallel()

	f, err := Decode([]byte{PUBREC, 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Type != TypeUnsupported {
		t.Fatalf("got %+v", f)
	}
}

func TestEncodeResponses(t *testing.T) {
	t.Parallel()

	if got := EncodeConnack(); !bytes.Equal(got, []byte{0x20, 0x02, 0x00, 0x00}) {
		t.Fatalf("connack: got %x", got)
	}
	if got := EncodePuback(0x0102); !bytes.Equal(got, []byte{0x40, 0x02, 0x01, 0x02}) {
		t.Fatalf("puback: got %x", got)
	}
	if got := EncodeSuback(0x0102, 2); !bytes.Equal(got, []byte{0x90, 0x04, 0x01, 0x02, 0x00, 0x00}) {
		t.Fatalf("suback: got %x", got)
	}
	if got := EncodePingresp(); !bytes.Equal(got, []byte{0xD0, 0x00}) {
		t.Fatalf("pingresp: got %x", got)
	}
}
