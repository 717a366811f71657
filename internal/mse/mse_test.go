package mse

import (
	"bytes"
	"crypto/sha1"
	"io"
	"sync"
	"testing"

	"github.com/prxssh/rabbit/internal/config"
)

// pipe is an in-memory io.ReadWriter pair connecting two negotiators without
// a real socket.
type pipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipe) Write(b []byte) (int, error) { return p.w.Write(b) }

func newPipePair() (a, b *pipe) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &pipe{r: ar, w: aw}, &pipe{r: br, w: bw}
}

func TestDHSharedSecretMatches(t *testing.T) {
	a, err := NewDH()
	if err != nil {
		t.Fatalf("NewDH a: %v", err)
	}
	b, err := NewDH()
	if err != nil {
		t.Fatalf("NewDH b: %v", err)
	}

	sa := a.ComputeSecret(b.PublicKey())
	sb := b.ComputeSecret(a.PublicKey())
	if sa != sb {
		t.Fatalf("shared secrets differ")
	}
}

func TestNegotiateOutgoingIncomingAgree(t *testing.T) {
	infoHash := sha1.Sum([]byte("some torrent"))
	outConn, inConn := newPipePair()

	var wg sync.WaitGroup
	wg.Add(2)

	var outStream, inStream *Stream
	var outErr, inErr error

	go func() {
		defer wg.Done()
		outStream, outErr = NegotiateOutgoing(outConn, infoHash, config.MSEPreferred)
	}()
	go func() {
		defer wg.Done()
		inStream, inErr = NegotiateIncoming(inConn, infoHash, config.MSEPreferred)
	}()
	wg.Wait()

	if outErr != nil {
		t.Fatalf("NegotiateOutgoing: %v", outErr)
	}
	if inErr != nil {
		t.Fatalf("NegotiateIncoming: %v", inErr)
	}

	msg := []byte("hello over rc4")
	done := make(chan struct{})
	var readBack []byte
	var readErr error
	go func() {
		buf := make([]byte, len(msg))
		_, readErr = io.ReadFull(inStream, buf)
		readBack = buf
		close(done)
	}()
	if _, err := outStream.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	<-done
	if readErr != nil {
		t.Fatalf("ReadFull: %v", readErr)
	}
	if !bytes.Equal(readBack, msg) {
		t.Fatalf("got %q, want %q", readBack, msg)
	}
}

func TestLooksEncrypted(t *testing.T) {
	if LooksEncrypted(19) {
		t.Fatalf("pstrlen byte should not look encrypted")
	}
	if !LooksEncrypted(0xAB) {
		t.Fatalf("non-pstrlen byte should look encrypted")
	}
}
