package ltep

import (
	"net"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := Handshake{
		M:            map[string]int{ExtMetadata: 3, ExtPEX: 1},
		Port:         6881,
		Version:      "rabbit/1.0",
		Encryption:   true,
		ReqQ:         128,
		MetadataSize: 20072,
		YourIP:       net.ParseIP("203.0.113.5").To4(),
		UploadOnly:   true,
	}

	body, err := h.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.M[ExtMetadata] != 3 || got.M[ExtPEX] != 1 {
		t.Fatalf("m dict mismatch: %+v", got.M)
	}
	if got.Port != 6881 || got.Version != "rabbit/1.0" || !got.Encryption {
		t.Fatalf("scalar fields mismatch: %+v", got)
	}
	if got.ReqQ != 128 || got.MetadataSize != 20072 || !got.UploadOnly {
		t.Fatalf("scalar fields mismatch: %+v", got)
	}
	if !got.YourIP.Equal(h.YourIP) {
		t.Fatalf("yourip mismatch: got %v want %v", got.YourIP, h.YourIP)
	}
}

func TestDecodeMissingM(t *testing.T) {
	h, err := Decode([]byte("de"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h.M != nil {
		t.Fatalf("expected nil M for handshake without m dict")
	}
}

func TestDecodeNotADict(t *testing.T) {
	if _, err := Decode([]byte("li1ee")); err == nil {
		t.Fatalf("expected error for non-dict payload")
	}
}
