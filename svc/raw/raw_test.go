package raw

import (
	"context"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/SpyrosRoum/termpad/svc/codec"
	"github.com/SpyrosRoum/termpad/svc/ident"
	"github.com/SpyrosRoum/termpad/svc/lim"
	"github.com/SpyrosRoum/termpad/svc/store"
)

func newTestStore(t *testing.T, maxSize int64) *store.Store {
	t.Helper()
	c, err := codec.New(codec.Options{Format: codec.Zstd, BufferSize: 255})
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.New(store.Options{
		Dir:          t.TempDir(),
		Codec:        c,
		Names:        ident.NewWithSource(ident.Short, rand.NewPCG(5, 6)),
		MaxPasteSize: maxSize,
	})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

// startServer runs a raw server on a loopback port until the test ends.
func startServer(t *testing.T, mode Mode, o Options) string {
	t.Helper()
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 200 * time.Millisecond
	}
	if o.Domain == "" {
		o.Domain = "localhost:8000"
	}
	s, err := New(mode, o)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("raw server did not stop")
		}
	})
	return ln.Addr().String()
}

// exchange sends payload, optionally half-closes, and returns the reply.
func exchange(t *testing.T, addr, payload string, closeWrite bool) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if payload != "" {
		if _, err := io.WriteString(conn, payload); err != nil {
			t.Fatal(err)
		}
	}
	if closeWrite {
		conn.(*net.TCPConn).CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

func idFromURL(t *testing.T, reply string) string {
	t.Helper()
	const prefix = "http://localhost:8000/"
	if !strings.HasPrefix(reply, prefix) || !strings.HasSuffix(reply, "\n") {
		t.Fatalf("unexpected reply %q", reply)
	}
	return strings.TrimSuffix(strings.TrimPrefix(reply, prefix), "\n")
}

func TestUploadUntilEOF(t *testing.T) {
	st := newTestStore(t, 0)
	addr := startServer(t, Upload, Options{Store: st})
	id := idFromURL(t, exchange(t, addr, "hello over tcp\n", true))
	got, err := st.ReadAll(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello over tcp\n" {
		t.Errorf("stored %q", got)
	}
}

func TestUploadEndsOnIdle(t *testing.T) {
	st := newTestStore(t, 0)
	addr := startServer(t, Upload, Options{Store: st})
	// no half close: only the idle timeout ends the upload
	id := idFromURL(t, exchange(t, addr, "still connected", false))
	got, err := st.ReadAll(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "still connected" {
		t.Errorf("stored %q", got)
	}
}

func TestUploadEmptyRejected(t *testing.T) {
	st := newTestStore(t, 0)
	addr := startServer(t, Upload, Options{Store: st})
	reply := exchange(t, addr, "", true)
	if !strings.HasPrefix(reply, "error:") {
		t.Errorf("reply %q", reply)
	}
	reply = exchange(t, addr, "", false)
	if !strings.HasPrefix(reply, "error:") {
		t.Errorf("idle reply %q", reply)
	}
}

func TestUploadTooLarge(t *testing.T) {
	st := newTestStore(t, 8)
	addr := startServer(t, Upload, Options{Store: st})
	reply := exchange(t, addr, "way more than eight bytes", true)
	if reply != "error: paste too large\n" {
		t.Errorf("reply %q", reply)
	}
}

func TestReadRoundTrip(t *testing.T) {
	st := newTestStore(t, 0)
	content := strings.Repeat("0123456789", 1000)
	id, err := st.Create(context.Background(), strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	addr := startServer(t, Read, Options{Store: st})
	for _, req := range []string{id + "\n", strings.ToUpper(id) + "\r\n", "http://localhost:8000/" + id + "\n", id} {
		if got := exchange(t, addr, req, true); got != content {
			t.Errorf("request %q: got %d bytes", req, len(got))
		}
	}
}

func TestReadNotFound(t *testing.T) {
	st := newTestStore(t, 0)
	addr := startServer(t, Read, Options{Store: st})
	if got := exchange(t, addr, "nosuchpaste\n", true); got != "paste not found\n" {
		t.Errorf("reply %q", got)
	}
	if got := exchange(t, addr, "../../etc/passwd\n", true); got != "paste not found\n" {
		t.Errorf("traversal reply %q", got)
	}
	if got := exchange(t, addr, "\n", true); !strings.HasPrefix(got, "error:") {
		t.Errorf("empty request reply %q", got)
	}
}

func TestRateLimited(t *testing.T) {
	st := newTestStore(t, 0)
	l, err := lim.New(lim.Options{RPM: 1, Burst: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()
	addr := startServer(t, Upload, Options{Store: st, Limiter: l})
	idFromURL(t, exchange(t, addr, "first", true))
	if got := exchange(t, addr, "second", true); got != "error: rate limit exceeded\n" {
		t.Errorf("reply %q", got)
	}
}

func TestServeDrainsOnCancel(t *testing.T) {
	st := newTestStore(t, 0)
	s, err := New(Upload, Options{Store: st, Domain: "localhost:8000", IdleTimeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	io.WriteString(conn, "in flight")
	time.Sleep(50 * time.Millisecond)
	cancel()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	id := idFromURL(t, string(reply))
	if got, err := st.ReadAll(context.Background(), id); err != nil || string(got) != "in flight" {
		t.Errorf("in-flight upload lost: %q %v", got, err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if _, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		t.Error("listener still accepting after cancel")
	}
}

func TestParseRequest(t *testing.T) {
	tests := map[string]string{
		"abc\n":                      "abc",
		"  abc  \r\n":                "abc",
		"http://host/abc\n":          "abc",
		"https://host:8000/raw/abc/": "abc",
		"":                           "",
		"\n":                         "",
	}
	for in, want := range tests {
		if got := ParseRequest(in); got != want {
			t.Errorf("ParseRequest(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("both", Options{Store: newTestStore(t, 0)}); err == nil {
		t.Error("unknown mode accepted")
	}
	if _, err := New(Upload, Options{}); err == nil {
		t.Error("missing store accepted")
	}
}
