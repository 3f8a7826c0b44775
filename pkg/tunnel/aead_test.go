package tunnel

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func newAEADPair(t *testing.T) (client, server *AEADEngine) {
	t.Helper()
	psk := []byte("a perfectly adequate test key")
	var err error
	client, err = NewAEAD(AEADConfig{PSK: psk}, ModeClient)
	if err != nil {
		t.Fatalf("NewAEAD client: %v", err)
	}
	server, err = NewAEAD(AEADConfig{PSK: psk}, ModeServer)
	if err != nil {
		t.Fatalf("NewAEAD server: %v", err)
	}
	return client, server
}

func TestAEADRequiresKey(t *testing.T) {
	if _, err := NewAEAD(AEADConfig{}, ModeClient); !errors.Is(err, ErrAEADKeyRequired) {
		t.Fatalf("err = %v, want ErrAEADKeyRequired", err)
	}
}

func TestAEADHandshakeRounds(t *testing.T) {
	client, server := newAEADPair(t)

	// Round 1: the salt goes out, the peer's has not arrived.
	status, err := client.Handshake()
	if err != nil || status != HandshakeNeedsIO {
		t.Fatalf("first step = %v, %v; want NEEDS_IO", status, err)
	}
	salt := client.ReadCiphertext()
	if len(salt) != aeadSaltSize {
		t.Fatalf("flight size = %d, want %d", len(salt), aeadSaltSize)
	}
	// Stepping again without input stays NEEDS_IO and resends nothing.
	status, _ = client.Handshake()
	if status != HandshakeNeedsIO || client.ReadCiphertext() != nil {
		t.Fatal("idle step must not produce another flight")
	}

	// Server side consumes the salt and answers with its own.
	if status, _ := server.Handshake(); status != HandshakeNeedsIO {
		t.Fatal("server should need input")
	}
	if err := server.WriteCiphertext(salt); err != nil {
		t.Fatalf("feed server: %v", err)
	}
	if status, _ := server.Handshake(); status != HandshakeDone {
		t.Fatal("server should complete after the client salt")
	}

	if err := client.WriteCiphertext(server.ReadCiphertext()); err != nil {
		t.Fatalf("feed client: %v", err)
	}
	if status, _ := client.Handshake(); status != HandshakeDone {
		t.Fatal("client should complete after the server salt")
	}
}

func TestAEADDataBothDirections(t *testing.T) {
	client, server := newAEADPair(t)
	pumpHandshake(t, client, server)

	msg := []byte("sealed with chacha20poly1305")
	if err := client.WritePlaintext(msg); err != nil {
		t.Fatal(err)
	}
	if err := server.WriteCiphertext(client.ReadCiphertext()); err != nil {
		t.Fatal(err)
	}
	if got := server.ReadPlaintext(); !bytes.Equal(got, msg) {
		t.Fatalf("server read %q, want %q", got, msg)
	}

	reply := []byte("ack")
	if err := server.WritePlaintext(reply); err != nil {
		t.Fatal(err)
	}
	if err := client.WriteCiphertext(server.ReadCiphertext()); err != nil {
		t.Fatal(err)
	}
	if got := client.ReadPlaintext(); !bytes.Equal(got, reply) {
		t.Fatalf("client read %q, want %q", got, reply)
	}
}

func TestAEADLargePayloadChunks(t *testing.T) {
	client, server := newAEADPair(t)
	pumpHandshake(t, client, server)

	payload := make([]byte, 3*aeadMaxChunk+777)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	if err := client.WritePlaintext(payload); err != nil {
		t.Fatal(err)
	}
	if err := server.WriteCiphertext(client.ReadCiphertext()); err != nil {
		t.Fatal(err)
	}
	if got := server.ReadPlaintext(); !bytes.Equal(got, payload) {
		t.Fatalf("payload corrupted: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestAEADPartialRecordFeeding(t *testing.T) {
	client, server := newAEADPair(t)
	pumpHandshake(t, client, server)

	msg := []byte("drip fed")
	client.WritePlaintext(msg)
	ct := client.ReadCiphertext()

	for i := range ct {
		if err := server.WriteCiphertext(ct[i : i+1]); err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		if i < len(ct)-1 && server.HasPlaintextToRead() {
			t.Fatalf("plaintext appeared %d bytes early", len(ct)-1-i)
		}
	}
	if got := server.ReadPlaintext(); !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestAEADPlaintextQueuedBeforeHandshake(t *testing.T) {
	client, server := newAEADPair(t)

	early := []byte("before the salts crossed")
	if err := client.WritePlaintext(early); err != nil {
		t.Fatal(err)
	}

	pumpHandshake(t, client, server)
	shuttle(t, client, server)

	if got := server.ReadPlaintext(); !bytes.Equal(got, early) {
		t.Fatalf("server read %q, want %q", got, early)
	}
}

func TestAEADWrongKeyFailsOpen(t *testing.T) {
	client, _ := newAEADPair(t)
	other, err := NewAEAD(AEADConfig{PSK: []byte("a different key entirely")}, ModeServer)
	if err != nil {
		t.Fatal(err)
	}

	// Salts exchange fine; the first record must not open.
	pumpHandshake(t, client, other)
	client.WritePlaintext([]byte("secret"))
	if err := other.WriteCiphertext(client.ReadCiphertext()); err == nil {
		t.Fatal("record sealed under a different key must not open")
	}
	if _, err := other.Handshake(); err == nil {
		t.Fatal("engine failure must be sticky")
	}
}

func TestAEADTamperedRecordFails(t *testing.T) {
	client, server := newAEADPair(t)
	pumpHandshake(t, client, server)

	client.WritePlaintext([]byte("integrity matters"))
	ct := client.ReadCiphertext()
	ct[len(ct)-1] ^= 0x80

	if err := server.WriteCiphertext(ct); err == nil {
		t.Fatal("tampered record must fail authentication")
	}
}

func TestAEADClose(t *testing.T) {
	client, _ := newAEADPair(t)
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if err := client.WritePlaintext([]byte("x")); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("WritePlaintext after close = %v", err)
	}
	if status, _ := client.Handshake(); status != HandshakeFailed {
		t.Fatal("handshake after close must fail")
	}
}
