package broker

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tarora2/svr/internal/proto"
	"github.com/tarora2/svr/internal/svrerr"
)

// pipePeer connects a client-side session to a broker over an in-memory
// pipe, with the server side running the full router.
func pipePeer(t *testing.T, router *Router) *Session {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	srv := NewSession(NewTCPTransport(serverConn), router, time.Second)
	go srv.Serve()
	cli := NewSession(NewTCPTransport(clientConn), nil, time.Second)
	t.Cleanup(func() {
		cli.CloseAsync(svrerr.Success, "test done")
		<-srv.Done()
	})
	return cli
}

func requestCode(t *testing.T, s *Session, components ...string) svrerr.Code {
	t.Helper()
	resp, err := s.SendRequest(proto.New(components...))
	if err != nil {
		t.Fatalf("%s: %v", components[0], err)
	}
	defer proto.Release(resp)
	return proto.ResponseCode(resp)
}

func TestSessionRequestResponse(t *testing.T) {
	b := New(DefaultConfig())
	router := NewRouter(b)
	cli := pipePeer(t, router)
	go cli.Serve()

	if code := requestCode(t, cli, "Source.open", "client", "cam"); code != svrerr.Success {
		t.Fatalf("open: %v", code)
	}
	if code := requestCode(t, cli, "Source.open", "client", "cam"); code != svrerr.NameInUse {
		t.Fatalf("expected NameInUse, got %v", code)
	}
	if code := requestCode(t, cli, "Source.setEncoding", "cam", "raw"); code != svrerr.Success {
		t.Fatalf("set encoding: %v", code)
	}
	if code := requestCode(t, cli, "Source.setEncoding", "cam", "nope"); code != svrerr.NoSuchEncoding {
		t.Fatalf("expected NoSuchEncoding, got %v", code)
	}
	if code := requestCode(t, cli, "Bogus.verb"); code != svrerr.InvalidArgument {
		t.Fatalf("expected InvalidArgument for unknown verb, got %v", code)
	}

	resp, err := cli.SendRequest(proto.New("Source.getSourcesList"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer proto.Release(resp)
	if proto.ResponseCode(resp) != svrerr.Success {
		t.Fatalf("list failed: %v", proto.ResponseCode(resp))
	}
	if len(resp.Components) != 2 || resp.Component(1) != "c:cam" {
		t.Fatalf("expected [c:cam], got %v", resp.Components[1:])
	}
}

func TestSessionRequestTimeout(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	cli := NewSession(NewTCPTransport(clientConn), nil, 50*time.Millisecond)
	go cli.Serve()
	defer cli.CloseAsync(svrerr.Success, "test done")

	// Drain the peer side without ever answering.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
		}
	}()

	_, err := cli.SendRequest(proto.New("Source.getSourcesList"))
	if !errorIs(err, svrerr.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
}

func TestSessionDataDelivery(t *testing.T) {
	b := New(DefaultConfig())
	router := NewRouter(b)

	producer := pipePeer(t, router)
	go producer.Serve()

	subscriber := pipePeer(t, router)
	var mu sync.Mutex
	var received []byte
	boundaries := 0
	subscriber.SetHandler(func(_ *Session, m *proto.Message) {
		if m.Verb() == "Data" {
			mu.Lock()
			received = append(received, m.Payload...)
			if m.IsBoundary() {
				boundaries++
			}
			mu.Unlock()
		}
		proto.Release(m)
	})
	go subscriber.Serve()

	if code := requestCode(t, producer, "Source.open", "client", "cam"); code != svrerr.Success {
		t.Fatalf("open source")
	}
	if code := requestCode(t, producer, "Source.setEncoding", "cam", "raw"); code != svrerr.Success {
		t.Fatalf("set encoding")
	}
	if code := requestCode(t, producer, "Source.setFrameProperties", "cam", "4,4,0,3"); code != svrerr.Success {
		t.Fatalf("set properties")
	}
	if code := requestCode(t, subscriber, "Stream.open", "st1", "cam", "raw"); code != svrerr.Success {
		t.Fatalf("open stream")
	}

	payload := make([]byte, 48)
	for i := range payload {
		payload[i] = byte(i)
	}
	m := proto.New("Data", "cam")
	m.Payload = append(m.Payload, payload...)
	m.Flags |= proto.FlagBoundary
	if err := producer.Send(m); err != nil {
		t.Fatalf("send data: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n, bn := len(received), boundaries
		mu.Unlock()
		if n == len(payload) && bn == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivery timed out: %d bytes, %d boundaries", n, bn)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionDisconnectCleansUp(t *testing.T) {
	b := New(DefaultConfig())
	router := NewRouter(b)

	serverConn, clientConn := net.Pipe()
	srv := NewSession(NewTCPTransport(serverConn), router, time.Second)
	go srv.Serve()
	cli := NewSession(NewTCPTransport(clientConn), nil, time.Second)
	go cli.Serve()

	if code := requestCode(t, cli, "Source.open", "client", "cam"); code != svrerr.Success {
		t.Fatalf("open source")
	}
	if sources, _ := b.Counts(); sources != 1 {
		t.Fatalf("expected 1 source, got %d", sources)
	}

	cli.CloseAsync(svrerr.Success, "bye")
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("server session did not shut down")
	}

	if sources, streams := b.Counts(); sources != 0 || streams != 0 {
		t.Fatalf("expected empty registries after disconnect, got %d/%d", sources, streams)
	}
}

func errorIs(err error, code svrerr.Code) bool {
	return err != nil && svrerr.CodeOf(err) == code
}
