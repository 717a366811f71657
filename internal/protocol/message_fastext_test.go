package protocol

import (
	"bytes"
	"testing"
)

func TestFastExtensionMessages(t *testing.T) {
	if m := MessageHaveAll(); m.ID != HaveAll || len(m.Payload) != 0 {
		t.Fatalf("MessageHaveAll = %+v", m)
	}
	if m := MessageHaveNone(); m.ID != HaveNone || len(m.Payload) != 0 {
		t.Fatalf("MessageHaveNone = %+v", m)
	}

	suggest := MessageSuggest(5)
	if idx, ok := suggest.ParseSuggest(); !ok || idx != 5 {
		t.Fatalf("ParseSuggest = (%d,%v)", idx, ok)
	}

	allowed := MessageAllowedFast(9)
	if idx, ok := allowed.ParseAllowedFast(); !ok || idx != 9 {
		t.Fatalf("ParseAllowedFast = (%d,%v)", idx, ok)
	}

	reject := MessageReject(1, 2, 3)
	i, b, l, ok := reject.ParseReject()
	if !ok || i != 1 || b != 2 || l != 3 {
		t.Fatalf("ParseReject = (%d,%d,%d,%v)", i, b, l, ok)
	}
}

func TestPortMessage(t *testing.T) {
	m := MessagePort(6881)
	port, ok := m.ParsePort()
	if !ok || port != 6881 {
		t.Fatalf("ParsePort = (%d,%v)", port, ok)
	}
}

func TestExtendedMessage(t *testing.T) {
	body := []byte{1, 2, 3}
	m := MessageExtended(3, body)
	id, got, ok := m.ParseExtended()
	if !ok || id != 3 || !bytes.Equal(got, body) {
		t.Fatalf("ParseExtended = (%d,%v,%v)", id, got, ok)
	}
}

func TestValidateBitfieldLength(t *testing.T) {
	// 10 pieces -> 2 bytes, spare bits must be zero.
	ok := &Message{ID: Bitfield, Payload: []byte{0xFF, 0xC0}}
	if err := ValidateBitfieldLength(ok, 10); err != nil {
		t.Fatalf("valid bitfield rejected: %v", err)
	}

	badSpare := &Message{ID: Bitfield, Payload: []byte{0xFF, 0xC1}}
	if err := ValidateBitfieldLength(badSpare, 10); err == nil {
		t.Fatalf("expected error for nonzero spare bits")
	}

	badLen := &Message{ID: Bitfield, Payload: []byte{0xFF}}
	if err := ValidateBitfieldLength(badLen, 10); err == nil {
		t.Fatalf("expected error for wrong length")
	}
}

func TestValidatePayloadSizeFastExtension(t *testing.T) {
	cases := []*Message{
		{ID: Suggest, Payload: []byte{0, 0, 0, 1}},
		{ID: AllowedFast, Payload: []byte{0, 0, 0, 1}},
		{ID: HaveAll},
		{ID: HaveNone},
		{ID: Port, Payload: []byte{0x1A, 0xE1}},
		{ID: Extended, Payload: []byte{0, 1, 2}},
	}
	for _, m := range cases {
		if err := m.ValidatePayloadSize(); err != nil {
			t.Fatalf("ValidatePayloadSize(%v) = %v", m.ID, err)
		}
	}
}

func TestHandshakeReservedBits(t *testing.T) {
	h := NewHandshake([20]byte{}, [20]byte{})
	h.SetExtensionProtocol(true)
	h.SetFastExtension(true)
	h.SetDHT(true)

	if !h.SupportsExtensionProtocol() || !h.SupportsFastExtension() || !h.SupportsDHT() {
		t.Fatalf("expected all three feature bits set: %08b", h.Reserved)
	}

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var decoded Handshake
	if err := decoded.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if !decoded.SupportsExtensionProtocol() || !decoded.SupportsFastExtension() || !decoded.SupportsDHT() {
		t.Fatalf("reserved bits lost across marshal round-trip: %08b", decoded.Reserved)
	}

	h.SetDHT(false)
	if h.SupportsDHT() {
		t.Fatalf("SetDHT(false) did not clear the bit")
	}
}
