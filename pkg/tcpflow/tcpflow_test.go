package tcpflow

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/flowkit-net/flowkit-go/internal/flowtest"
	"github.com/flowkit-net/flowkit-go/pkg/cancelable"
	"github.com/flowkit-net/flowkit-go/pkg/flow"
	"github.com/flowkit-net/flowkit-go/pkg/resolve"
	"github.com/flowkit-net/flowkit-go/pkg/runloop"
	"github.com/flowkit-net/flowkit-go/pkg/session"
)

func startListener(t *testing.T) (net.Listener, *session.Endpoint) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	ep, err := session.ParseEndpoint(l.Addr().String())
	if err != nil {
		t.Fatalf("parse listener endpoint: %v", err)
	}
	return l, ep
}

func connectFlow(t *testing.T, loop *runloop.Runloop, f *Flow, ep *session.Endpoint) {
	t.Helper()
	errc := make(chan error, 1)
	loop.Do(func() {
		f.Connect(ep, func(err error) { errc <- err })
	})
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not complete")
	}
}

type readOutcome struct {
	data []byte
	err  error
}

func readOnce(t *testing.T, loop *runloop.Runloop, f *Flow) readOutcome {
	t.Helper()
	got := make(chan readOutcome, 1)
	loop.Do(func() {
		f.Read(func(data []byte, err error) { got <- readOutcome{data, err} })
	})
	select {
	case r := <-got:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Read did not complete")
		return readOutcome{}
	}
}

func writeOnce(t *testing.T, loop *runloop.Runloop, f *Flow, data []byte) error {
	t.Helper()
	errc := make(chan error, 1)
	loop.Do(func() {
		f.Write(data, func(err error) { errc <- err })
	})
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Write did not complete")
		return nil
	}
}

// staticResolver hands out a fixed answer on the loop.
type staticResolver struct {
	loop  *runloop.Runloop
	addrs []netip.Addr
	err   error

	domains []string
}

func (r *staticResolver) Resolve(domain string, pref resolve.AddressPreference, h resolve.Handler) cancelable.Token {
	token := cancelable.New()
	r.domains = append(r.domains, domain)
	r.loop.Post(func() {
		if token.Canceled() {
			return
		}
		h(r.addrs, r.err)
	})
	return token
}

func TestConnect(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		loop := flowtest.StartLoop(t)
		l, ep := startListener(t)
		go func() {
			conn, err := l.Accept()
			if err == nil {
				defer conn.Close()
				io.Copy(io.Discard, conn)
			}
		}()

		f := New(loop, Config{})
		connectFlow(t, loop, f, ep)
		defer loop.Do(func() { f.Close() })

		var connected bool
		var remote net.Addr
		loop.Do(func() {
			connected = f.StateMachine().IsConnected()
			remote = f.RemoteAddr()
		})
		if !connected {
			t.Error("flow is not connected")
		}
		if remote == nil || remote.String() != l.Addr().String() {
			t.Errorf("RemoteAddr() = %v, want %v", remote, l.Addr())
		}
	})

	t.Run("Refused", func(t *testing.T) {
		loop := flowtest.StartLoop(t)
		l, ep := startListener(t)
		l.Close() // free the port so the dial is refused

		f := New(loop, Config{DialTimeout: 2 * time.Second})
		errc := make(chan error, 1)
		loop.Do(func() {
			f.Connect(ep, func(err error) { errc <- err })
		})
		select {
		case err := <-errc:
			if err == nil {
				t.Fatal("Connect to a closed port succeeded")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Connect did not complete")
		}

		// Terminal: the next operation reports the dial error.
		errc2 := make(chan error, 1)
		loop.Do(func() {
			f.Write([]byte("x"), func(err error) { errc2 <- err })
		})
		select {
		case err := <-errc2:
			if err == nil {
				t.Error("Write after failed connect succeeded")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Write rejection did not arrive")
		}
	})

	t.Run("CancelSuppressesHandler", func(t *testing.T) {
		loop := flowtest.StartLoop(t)
		l, ep := startListener(t)
		go func() {
			conn, err := l.Accept()
			if err == nil {
				conn.Close()
			}
		}()

		f := New(loop, Config{})
		loop.Do(func() {
			tok := f.Connect(ep, func(err error) {
				t.Errorf("canceled connect delivered %v", err)
			})
			tok.Cancel()
		})
		time.Sleep(200 * time.Millisecond)
		loop.Do(func() { f.Close() })
	})

	t.Run("WithResolver", func(t *testing.T) {
		loop := flowtest.StartLoop(t)
		l, lep := startListener(t)
		go func() {
			conn, err := l.Accept()
			if err == nil {
				defer conn.Close()
				io.Copy(io.Discard, conn)
			}
		}()

		res := &staticResolver{
			loop:  loop,
			addrs: []netip.Addr{netip.MustParseAddr("127.0.0.1")},
		}
		f := New(loop, Config{Resolver: res})
		ep := session.NewEndpoint("service.test", lep.Port)
		connectFlow(t, loop, f, ep)
		defer loop.Do(func() { f.Close() })

		var domains []string
		loop.Do(func() { domains = res.domains })
		if len(domains) != 1 || domains[0] != "service.test" {
			t.Errorf("resolver saw %q, want [service.test]", domains)
		}
	})

	t.Run("ResolverError", func(t *testing.T) {
		loop := flowtest.StartLoop(t)
		boom := errors.New("no such host")
		res := &staticResolver{loop: loop, err: boom}
		f := New(loop, Config{Resolver: res})

		errc := make(chan error, 1)
		ep := session.NewEndpoint("missing.test", 80)
		loop.Do(func() {
			f.Connect(ep, func(err error) { errc <- err })
		})
		select {
		case err := <-errc:
			if !errors.Is(err, boom) {
				t.Errorf("Connect error = %v, want %v", err, boom)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Connect did not complete")
		}
	})

	t.Run("RejectedAfterClose", func(t *testing.T) {
		loop := flowtest.StartLoop(t)
		_, ep := startListener(t)
		f := New(loop, Config{})
		loop.Do(func() { f.Close() })

		errc := make(chan error, 1)
		loop.Do(func() {
			f.Connect(ep, func(err error) { errc <- err })
		})
		select {
		case err := <-errc:
			if !errors.Is(err, flow.ErrClosed) {
				t.Errorf("Connect after Close = %v, want ErrClosed", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("rejection did not arrive")
		}
	})
}

func TestReadWrite(t *testing.T) {
	t.Run("Echo", func(t *testing.T) {
		loop := flowtest.StartLoop(t)
		l, ep := startListener(t)
		go func() {
			conn, err := l.Accept()
			if err == nil {
				defer conn.Close()
				io.Copy(conn, conn)
			}
		}()

		f := New(loop, Config{})
		connectFlow(t, loop, f, ep)
		defer loop.Do(func() { f.Close() })

		if err := writeOnce(t, loop, f, []byte("hello")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		r := readOnce(t, loop, f)
		if r.err != nil {
			t.Fatalf("Read: %v", r.err)
		}
		if string(r.data) != "hello" {
			t.Errorf("Read = %q, want hello", r.data)
		}
	})

	t.Run("EOF", func(t *testing.T) {
		loop := flowtest.StartLoop(t)
		l, ep := startListener(t)
		go func() {
			conn, err := l.Accept()
			if err == nil {
				conn.Write([]byte("bye"))
				conn.Close()
			}
		}()

		f := New(loop, Config{})
		connectFlow(t, loop, f, ep)
		defer loop.Do(func() { f.Close() })

		// Collect data until the EOF arrives; the socket may or may not
		// hand us "bye" and the close in one completion.
		var received bytes.Buffer
		var readErr error
		for i := 0; i < 10 && readErr == nil; i++ {
			r := readOnce(t, loop, f)
			received.Write(r.data)
			readErr = r.err
		}
		if !errors.Is(readErr, io.EOF) {
			t.Fatalf("Read error = %v, want io.EOF", readErr)
		}
		if received.String() != "bye" {
			t.Errorf("received %q, want bye", received.String())
		}

		// EOF is terminal like any other read error.
		r := readOnce(t, loop, f)
		if !errors.Is(r.err, io.EOF) {
			t.Errorf("Read after EOF = %v, want io.EOF", r.err)
		}
	})

	t.Run("LargeTransfer", func(t *testing.T) {
		loop := flowtest.StartLoop(t)
		l, ep := startListener(t)
		payload := bytes.Repeat([]byte("0123456789abcdef"), 4096) // 64 KiB
		go func() {
			conn, err := l.Accept()
			if err == nil {
				conn.Write(payload)
				conn.Close()
			}
		}()

		f := New(loop, Config{})
		connectFlow(t, loop, f, ep)
		defer loop.Do(func() { f.Close() })

		var received bytes.Buffer
		for received.Len() < len(payload) {
			r := readOnce(t, loop, f)
			if r.err != nil {
				t.Fatalf("Read after %d bytes: %v", received.Len(), r.err)
			}
			if len(r.data) == 0 || len(r.data) > ReadChunkSize {
				t.Fatalf("Read chunk of %d bytes, want 1..%d", len(r.data), ReadChunkSize)
			}
			received.Write(r.data)
		}
		if !bytes.Equal(received.Bytes(), payload) {
			t.Error("received payload differs from sent payload")
		}
	})
}

func TestCloseWrite(t *testing.T) {
	loop := flowtest.StartLoop(t)
	l, ep := startListener(t)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Read until the client half-closes, then answer.
		data, _ := io.ReadAll(conn)
		conn.Write(append([]byte("got:"), data...))
	}()

	f := New(loop, Config{})
	connectFlow(t, loop, f, ep)
	defer loop.Do(func() { f.Close() })

	if err := writeOnce(t, loop, f, []byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	errc := make(chan error, 1)
	loop.Do(func() {
		f.CloseWrite(func(err error) { errc <- err })
	})
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("CloseWrite: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("CloseWrite did not complete")
	}

	// The read side is still open.
	r := readOnce(t, loop, f)
	if r.err != nil {
		t.Fatalf("Read after CloseWrite: %v", r.err)
	}
	if string(r.data) != "got:ping" {
		t.Errorf("Read = %q, want got:ping", r.data)
	}
}

func TestClose(t *testing.T) {
	t.Run("SuppressesPendingRead", func(t *testing.T) {
		loop := flowtest.StartLoop(t)
		l, ep := startListener(t)
		go func() {
			conn, err := l.Accept()
			if err == nil {
				defer conn.Close()
				io.Copy(io.Discard, conn) // never writes, read stays pending
			}
		}()

		f := New(loop, Config{})
		connectFlow(t, loop, f, ep)

		loop.Do(func() {
			f.Read(func(data []byte, err error) {
				t.Errorf("read handler fired after Close: %q, %v", data, err)
			})
		})
		loop.Do(func() {
			if err := f.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		})
		// The read goroutine unblocks on the closed socket and posts a
		// completion that must be swallowed.
		time.Sleep(200 * time.Millisecond)
		loop.Do(func() {})
	})

	t.Run("Idempotent", func(t *testing.T) {
		loop := flowtest.StartLoop(t)
		f := New(loop, Config{})
		loop.Do(func() {
			if err := f.Close(); err != nil {
				t.Errorf("first Close: %v", err)
			}
			if err := f.Close(); err != nil {
				t.Errorf("second Close: %v", err)
			}
		})
	})
}

func TestWrap(t *testing.T) {
	loop := flowtest.StartLoop(t)
	l, ep := startListener(t)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("tcp", ep.Address())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept timed out")
	}

	f := Wrap(loop, server, Config{})
	defer loop.Do(func() { f.Close() })

	if !f.StateMachine().IsConnected() {
		t.Fatal("wrapped flow is not connected")
	}

	if _, err := client.Write([]byte("from client")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	r := readOnce(t, loop, f)
	if r.err != nil {
		t.Fatalf("Read: %v", r.err)
	}
	if string(r.data) != "from client" {
		t.Errorf("Read = %q, want from client", r.data)
	}
}
