package metadata

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRequest(t *testing.T) {
	body := EncodeRequest(7)

	msg, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if msg.Type != MsgTypeRequest || msg.Piece != 7 {
		t.Fatalf("got %+v", msg)
	}
}

func TestEncodeDecodeReject(t *testing.T) {
	body := EncodeReject(3)

	msg, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if msg.Type != MsgTypeReject || msg.Piece != 3 {
		t.Fatalf("got %+v", msg)
	}
}

func TestEncodeDecodeData(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, PieceSize)
	body := EncodeData(1, 5*PieceSize, payload)

	msg, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if msg.Type != MsgTypeData || msg.Piece != 1 || msg.TotalSize != 5*PieceSize {
		t.Fatalf("got %+v", msg)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(msg.Payload), len(payload))
	}
}

func TestDecodeMessageMalformed(t *testing.T) {
	if _, err := DecodeMessage([]byte("not bencode")); err == nil {
		t.Fatalf("expected error for malformed input")
	}
	if _, err := DecodeMessage([]byte("li1ee")); err == nil {
		t.Fatalf("expected error for non-dict input")
	}
}
