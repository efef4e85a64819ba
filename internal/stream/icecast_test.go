package stream

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// passthroughEncoder hands the raw PCM straight through.
type passthroughEncoder struct{}

func (passthroughEncoder) ContentType() string { return "audio/mpeg" }

func (passthroughEncoder) Encode(_ context.Context, pcm io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(pcm), nil
}

type fakeIcecast struct {
	ln     net.Listener
	status int

	mu       sync.Mutex
	requests []*http.Request
	received int
	accepted chan struct{}
}

func newFakeIcecast(t *testing.T, status int) *fakeIcecast {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeIcecast{ln: ln, status: status, accepted: make(chan struct{}, 16)}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeIcecast) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeIcecast) handle(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	io.WriteString(conn, "HTTP/1.1 "+strconv.Itoa(f.status)+" "+http.StatusText(f.status)+"\r\n\r\n")
	f.accepted <- struct{}{}
	if f.status != http.StatusOK {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := br.Read(buf)
		f.mu.Lock()
		f.received += n
		f.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (f *fakeIcecast) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeIcecast) bytesReceived() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

func testIcecastConfig(port int) IcecastConfig {
	return IcecastConfig{
		Host:          "127.0.0.1",
		Port:          port,
		Mount:         "/stream",
		Password:      "hackme",
		Bitrate:       128,
		Name:          "Test FM",
		BackoffMin:    10 * time.Millisecond,
		BackoffMax:    20 * time.Millisecond,
		DegradedAfter: 2,
		DialTimeout:   time.Second,
	}
}

func TestUplinkHandshakeAndStreams(t *testing.T) {
	srv := newFakeIcecast(t, http.StatusOK)
	b := NewBroadcaster()
	u := NewUplink(testIcecastConfig(srv.port()), b, passthroughEncoder{}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go u.Run(ctx)

	select {
	case <-srv.accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("uplink never connected")
	}

	deadline := time.After(2 * time.Second)
	for srv.bytesReceived() == 0 {
		b.publish(make([]int16, 8))
		select {
		case <-deadline:
			t.Fatal("no audio reached the server")
		case <-time.After(10 * time.Millisecond):
		}
	}

	srv.mu.Lock()
	req := srv.requests[0]
	srv.mu.Unlock()
	if req.Method != http.MethodPut || req.URL.Path != "/stream" {
		t.Errorf("request = %s %s, want PUT /stream", req.Method, req.URL.Path)
	}
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("source:hackme"))
	if got := req.Header.Get("Authorization"); got != wantAuth {
		t.Errorf("Authorization = %q, want %q", got, wantAuth)
	}
	if got := req.Header.Get("Ice-Name"); got != "Test FM" {
		t.Errorf("Ice-Name = %q, want Test FM", got)
	}
	if got := req.Header.Get("Content-Type"); got != "audio/mpeg" {
		t.Errorf("Content-Type = %q, want audio/mpeg", got)
	}

	st := u.Status()
	if !st.Connected || st.Degraded {
		t.Errorf("Status = %+v, want connected and not degraded", st)
	}
}

func TestUplinkRefusedBecomesDegraded(t *testing.T) {
	srv := newFakeIcecast(t, http.StatusUnauthorized)
	b := NewBroadcaster()
	u := NewUplink(testIcecastConfig(srv.port()), b, passthroughEncoder{}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for !u.Status().Degraded {
		select {
		case <-deadline:
			t.Fatalf("never degraded, status = %+v", u.Status())
		case <-time.After(5 * time.Millisecond):
		}
	}

	st := u.Status()
	if st.Connected {
		t.Error("Connected = true after refused handshake")
	}
	if st.Failures < 2 {
		t.Errorf("Failures = %d, want >= 2", st.Failures)
	}
	if st.LastError == "" {
		t.Error("LastError empty after failures")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after cancel, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestUplinkDialErrorIsSinkDisconnected(t *testing.T) {
	b := NewBroadcaster()
	dialErr := errors.New("connection refused")
	u := NewUplink(testIcecastConfig(1), b, passthroughEncoder{},
		func(context.Context, string, string) (net.Conn, error) { return nil, dialErr },
		zerolog.Nop())

	l := b.Subscribe(RoleUplink)
	defer b.Unsubscribe(l)
	err := u.session(context.Background(), l, func() {})
	if !errors.Is(err, ErrSinkDisconnected) {
		t.Errorf("session error = %v, want ErrSinkDisconnected", err)
	}
}

func TestUplinkReconnectCounted(t *testing.T) {
	b := NewBroadcaster()
	u := NewUplink(testIcecastConfig(1), b, passthroughEncoder{},
		func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("down")
		},
		zerolog.Nop())

	reconnects := make(chan struct{}, 16)
	u.OnReconnect = func() {
		select {
		case reconnects <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go u.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-reconnects:
		case <-time.After(2 * time.Second):
			t.Fatal("no reconnect attempt")
		}
	}
	if st := u.Status(); st.Reconnects < 1 {
		t.Errorf("Reconnects = %d, want >= 1", st.Reconnects)
	}
}
