package sink

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func listenTCP(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestSink_UDPSendAppendsCRLF(t *testing.T) {
	pc := listenUDP(t)
	s := New(Options{Enabled: true, Network: "udp", Addr: pc.LocalAddr().String(), Logger: zerolog.Nop()})
	defer s.Disconnect()

	if err := s.Send(context.Background(), "HELLO"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !s.Connected() {
		t.Error("not connected after send")
	}

	buf := make([]byte, 256)
	_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pc.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if got := string(buf[:n]); got != "HELLO\r\n" {
		t.Errorf("datagram = %q", got)
	}
}

func TestSink_PayloadAlreadyTerminated(t *testing.T) {
	pc := listenUDP(t)
	s := New(Options{Enabled: true, Network: "udp", Addr: pc.LocalAddr().String(), Logger: zerolog.Nop()})
	defer s.Disconnect()

	if err := s.Send(context.Background(), "A\r\n"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pc.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "A\r\n" {
		t.Errorf("datagram = %q", got)
	}
}

func TestSink_TCPHoldsConnection(t *testing.T) {
	ln := listenTCP(t)
	var accepts atomic.Int32
	lines := make(chan string, 8)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepts.Add(1)
			go func() {
				defer c.Close()
				rd := bufio.NewReader(c)
				for {
					line, err := rd.ReadString('\n')
					if err != nil {
						return
					}
					lines <- line
				}
			}()
		}
	}()

	s := New(Options{Enabled: true, Network: "tcp", Addr: ln.Addr().String(), Logger: zerolog.Nop()})
	s.Connect(context.Background())
	defer s.Disconnect()
	if !s.Connected() {
		t.Fatal("Connect did not connect")
	}

	for _, p := range []string{"ONE", "TWO"} {
		if err := s.Send(context.Background(), p); err != nil {
			t.Fatalf("Send(%q): %v", p, err)
		}
	}
	for _, want := range []string{"ONE\r\n", "TWO\r\n"} {
		select {
		case got := <-lines:
			if got != want {
				t.Errorf("line = %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out reading from sink")
		}
	}
	if n := accepts.Load(); n != 1 {
		t.Errorf("accepted %d connections, want 1", n)
	}
}

func TestSink_DisabledIsNoop(t *testing.T) {
	ln := listenTCP(t)
	var accepts atomic.Int32
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepts.Add(1)
			c.Close()
		}
	}()

	s := New(Options{Enabled: false, Network: "tcp", Addr: ln.Addr().String(), Logger: zerolog.Nop()})
	s.Connect(context.Background())
	if err := s.Send(context.Background(), "IGNORED"); err != nil {
		t.Errorf("Send while disabled: %v", err)
	}
	if s.Connected() {
		t.Error("disabled sink connected")
	}
	time.Sleep(50 * time.Millisecond)
	if n := accepts.Load(); n != 0 {
		t.Errorf("disabled sink dialed %d times", n)
	}
}

func TestSink_OfflineDoesNotFail(t *testing.T) {
	ln := listenTCP(t)
	addr := ln.Addr().String()
	_ = ln.Close()

	s := New(Options{Enabled: true, Network: "tcp", Addr: addr, DialTimeout: 200 * time.Millisecond, Logger: zerolog.Nop()})
	s.Connect(context.Background())
	if s.Connected() {
		t.Fatal("connected to a closed port")
	}
	if err := s.Send(context.Background(), "X"); !errors.Is(err, ErrOffline) {
		t.Errorf("Send = %v, want ErrOffline", err)
	}
}

func TestSink_ReconnectsAfterFault(t *testing.T) {
	ln := listenTCP(t)
	conns := make(chan net.Conn, 8)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()

	s := New(Options{Enabled: true, Network: "tcp", Addr: ln.Addr().String(), Logger: zerolog.Nop()})
	defer s.Disconnect()
	if err := s.Send(context.Background(), "FIRST"); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	first := <-conns
	_ = first.Close()

	// Writes to a peer-closed socket fail once the RST arrives; the sink must
	// then drop the connection and dial again on a later send.
	deadline := time.After(5 * time.Second)
	for {
		_ = s.Send(context.Background(), "AGAIN")
		select {
		case c := <-conns:
			defer c.Close()
			r := bufio.NewReader(c)
			_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
			line, err := r.ReadString('\n')
			for err == nil && strings.TrimSpace(line) != "AGAIN" {
				line, err = r.ReadString('\n')
			}
			if err != nil {
				t.Fatalf("read after reconnect: %v", err)
			}
			return
		case <-deadline:
			t.Fatal("sink never reconnected")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestSink_DisconnectIdempotent(t *testing.T) {
	s := New(Options{Enabled: true, Addr: "127.0.0.1:9", Logger: zerolog.Nop()})
	s.Disconnect()
	s.Disconnect()
	if s.Connected() {
		t.Error("connected after Disconnect")
	}
}
