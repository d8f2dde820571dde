package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/SpyrosRoum/termpad/pkg/domain"
	"github.com/SpyrosRoum/termpad/svc/codec"
	"github.com/SpyrosRoum/termpad/svc/ident"
)

func newTestStore(t *testing.T, names *ident.Generator, maxSize int64) *Store {
	t.Helper()
	c, err := codec.New(codec.Options{Format: codec.Zstd, BufferSize: 255})
	if err != nil {
		t.Fatal(err)
	}
	if names == nil {
		names = ident.NewWithSource(ident.Long, rand.NewPCG(1, 2))
	}
	s, err := New(Options{Dir: t.TempDir(), Codec: c, Names: names, MaxPasteSize: maxSize})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func smallNames(t *testing.T, adjs, ns []string) *ident.Generator {
	t.Helper()
	g, err := ident.NewWithWords(ident.Short, rand.NewPCG(9, 9), adjs, ns)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestCreateReadRoundTrip(t *testing.T) {
	s := newTestStore(t, nil, 0)
	ctx := context.Background()
	inputs := [][]byte{
		{},
		[]byte("echo hello | nc termpad 9999\n"),
		{0x00, 0xff, 0xc3, 0x28, 0xa0, 0xa1},
		bytes.Repeat([]byte("0123456789abcdef"), 64*1024),
	}
	for i, in := range inputs {
		id, err := s.Create(ctx, bytes.NewReader(in))
		if err != nil {
			t.Fatalf("input %d: Create: %v", i, err)
		}
		if !ident.Valid(id) {
			t.Fatalf("input %d: invalid id %q", i, id)
		}
		got, err := s.ReadAll(ctx, id)
		if err != nil {
			t.Fatalf("input %d: ReadAll: %v", i, err)
		}
		if !bytes.Equal(got, in) {
			t.Errorf("input %d: round trip mismatch (%d vs %d bytes)", i, len(got), len(in))
		}
	}
}

func TestCreateLayout(t *testing.T) {
	s := newTestStore(t, nil, 0)
	id, err := s.Create(context.Background(), strings.NewReader("layout"))
	if err != nil {
		t.Fatal(err)
	}
	names := listDir(t, s.Dir())
	if len(names) != 1 || names[0] != id+".zst" {
		t.Errorf("store directory = %v, want [%s.zst]", names, id)
	}
	if s.Path(id) != filepath.Join(s.Dir(), id+".zst") {
		t.Errorf("Path(%q) = %q", id, s.Path(id))
	}
}

func TestReadCaseInsensitive(t *testing.T) {
	s := newTestStore(t, nil, 0)
	ctx := context.Background()
	id, err := s.Create(ctx, strings.NewReader("Case Matters Not"))
	if err != nil {
		t.Fatal(err)
	}
	lower, err := s.ReadAll(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	upper, err := s.ReadAll(ctx, strings.ToUpper(id))
	if err != nil {
		t.Fatalf("upper-case lookup: %v", err)
	}
	if !bytes.Equal(lower, upper) {
		t.Errorf("case-insensitive lookup returned different content")
	}
}

func TestReadNotFound(t *testing.T) {
	s := newTestStore(t, nil, 0)
	ctx := context.Background()
	for _, id := range []string{"doesnotexist", "../../etc/passwd", "", "UPPERMISSING", "abc123"} {
		rc, err := s.Open(ctx, id)
		if !errors.Is(err, domain.ErrPasteNotFound) {
			t.Errorf("Open(%q): expected ErrPasteNotFound, got %v", id, err)
		}
		if rc != nil {
			t.Errorf("Open(%q) returned a stream for a missing paste", id)
		}
		if !domain.IsNotFound(err) {
			t.Errorf("IsNotFound(%v) = false", err)
		}
	}
}

func TestReadNonRegularFileIsNotFound(t *testing.T) {
	s := newTestStore(t, nil, 0)
	if err := os.Mkdir(filepath.Join(s.Dir(), "sneakydir.zst"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(context.Background(), "sneakydir"); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("directory treated as paste: %v", err)
	}
	target := filepath.Join(t.TempDir(), "outside")
	if err := os.WriteFile(target, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(s.Dir(), "linkedfile.zst")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := s.Open(context.Background(), "linkedfile"); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("symlink treated as paste: %v", err)
	}
}

func TestConcurrentCreateUnique(t *testing.T) {
	adjs := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	ns := []string{"k", "l", "m", "n", "o", "p", "q", "r", "s", "t"}
	s := newTestStore(t, smallNames(t, adjs, ns), 0)
	ctx := context.Background()

	const n = 50
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = s.Create(ctx, strings.NewReader(fmt.Sprintf("paste number %d", i)))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("create %d: %v", i, errs[i])
		}
		if prev, dup := seen[ids[i]]; dup {
			t.Fatalf("id %q handed out twice (%d and %d)", ids[i], prev, i)
		}
		seen[ids[i]] = i
	}
	for i := 0; i < n; i++ {
		got, err := s.ReadAll(ctx, ids[i])
		if err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("paste number %d", i); string(got) != want {
			t.Errorf("paste %s = %q, want %q", ids[i], got, want)
		}
	}
	if files := listDir(t, s.Dir()); len(files) != n {
		t.Errorf("expected %d files, found %d: %v", n, len(files), files)
	}
}

func TestCreateExhaustedNameSpace(t *testing.T) {
	s := newTestStore(t, smallNames(t, []string{"only"}, []string{"one"}), 0)
	ctx := context.Background()
	id, err := s.Create(ctx, strings.NewReader("first"))
	if err != nil {
		t.Fatal(err)
	}
	if id != "onlyone" {
		t.Fatalf("unexpected id %q", id)
	}
	_, err = s.Create(ctx, strings.NewReader("second"))
	if !errors.Is(err, domain.ErrIOFault) {
		t.Fatalf("expected IO fault when no names are left, got %v", err)
	}
	got, err := s.ReadAll(ctx, id)
	if err != nil || string(got) != "first" {
		t.Errorf("existing paste changed: %q, %v", got, err)
	}
	if files := listDir(t, s.Dir()); len(files) != 1 {
		t.Errorf("staging file left behind: %v", files)
	}
}

func TestCreateSkipsIdHeldByOtherFormat(t *testing.T) {
	s := newTestStore(t, smallNames(t, []string{"red"}, []string{"fox"}), 0)
	lz, err := codec.New(codec.Options{Format: codec.LZ4})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := lz.Compress(&buf, strings.NewReader("older lz4 paste")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), "redfox.lz4"), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	id, err := s.Create(ctx, strings.NewReader("newer zstd paste"))
	if !errors.Is(err, domain.ErrIOFault) || !strings.Contains(err.Error(), "identifier space exhausted") {
		t.Fatalf("Create = %q, %v; want identifier space exhausted", id, err)
	}
	files := listDir(t, s.Dir())
	if len(files) != 1 || files[0] != "redfox.lz4" {
		t.Errorf("directory holds %v, want only redfox.lz4", files)
	}
	got, err := s.ReadAll(ctx, "redfox")
	if err != nil || string(got) != "older lz4 paste" {
		t.Errorf("ReadAll = %q, %v", got, err)
	}
}

type brokenReader struct {
	data []byte
	err  error
}

func (b *brokenReader) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, b.err
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func TestCreatePartialUploadLeavesNothing(t *testing.T) {
	s := newTestStore(t, nil, 0)
	src := &brokenReader{
		data: bytes.Repeat([]byte("truncated "), 10000),
		err:  io.ErrUnexpectedEOF,
	}
	id, err := s.Create(context.Background(), src)
	if err == nil {
		t.Fatalf("Create succeeded with id %q on a broken stream", id)
	}
	if !errors.Is(err, domain.ErrIOFault) {
		t.Errorf("expected IO fault, got %v", err)
	}
	if files := listDir(t, s.Dir()); len(files) != 0 {
		t.Errorf("partial upload left files: %v", files)
	}
}

func TestCreateCancelledContext(t *testing.T) {
	s := newTestStore(t, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Create(ctx, strings.NewReader("never stored")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if files := listDir(t, s.Dir()); len(files) != 0 {
		t.Errorf("cancelled upload left files: %v", files)
	}
}

func TestCreateMaxPasteSize(t *testing.T) {
	s := newTestStore(t, nil, 16)
	ctx := context.Background()
	if _, err := s.Create(ctx, strings.NewReader(strings.Repeat("x", 16))); err != nil {
		t.Fatalf("exact-size paste rejected: %v", err)
	}
	_, err := s.Create(ctx, strings.NewReader(strings.Repeat("x", 17)))
	if !errors.Is(err, domain.ErrPasteTooLarge) {
		t.Fatalf("expected ErrPasteTooLarge, got %v", err)
	}
	if files := listDir(t, s.Dir()); len(files) != 1 {
		t.Errorf("oversized upload left files: %v", files)
	}
}

func TestCreateWithoutHardLinks(t *testing.T) {
	s := newTestStore(t, nil, 0)
	s.link = func(oldname, newname string) error {
		return &os.LinkError{Op: "link", Old: oldname, New: newname, Err: syscall.EPERM}
	}
	ctx := context.Background()
	id, err := s.Create(ctx, strings.NewReader("no links here"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.ReadAll(ctx, id)
	if err != nil || string(got) != "no links here" {
		t.Errorf("ReadAll = %q, %v", got, err)
	}
	if files := listDir(t, s.Dir()); len(files) != 1 || files[0] != id+".zst" {
		t.Errorf("unexpected files: %v", files)
	}
}

func TestReadSurvivesDeleteWhileOpen(t *testing.T) {
	s := newTestStore(t, nil, 0)
	ctx := context.Background()
	want := bytes.Repeat([]byte("still here "), 50000)
	id, err := s.Create(ctx, bytes.NewReader(want))
	if err != nil {
		t.Fatal(err)
	}
	rc, err := s.Open(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	head := make([]byte, 100)
	if _, err := io.ReadFull(rc, head); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(s.Path(id)); err != nil {
		t.Fatal(err)
	}
	rest, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("in-flight read broke after delete: %v", err)
	}
	if got := append(head, rest...); !bytes.Equal(got, want) {
		t.Errorf("in-flight read returned %d bytes, want %d", len(got), len(want))
	}
	if _, err := s.Open(ctx, id); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("new read after delete: expected not found, got %v", err)
	}
}

func TestReadCorruptFile(t *testing.T) {
	s := newTestStore(t, nil, 0)
	if err := os.WriteFile(filepath.Join(s.Dir(), "brokenpaste.zst"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.ReadAll(context.Background(), "brokenpaste")
	if err == nil {
		t.Fatal("corrupt file decoded without error")
	}
	if !errors.Is(err, domain.ErrIOFault) {
		t.Errorf("expected IO fault, got %v", err)
	}
}

func TestReadOtherFormat(t *testing.T) {
	s := newTestStore(t, nil, 0)
	lz, err := codec.New(codec.Options{Format: codec.LZ4})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := lz.Compress(&buf, strings.NewReader("written by an lz4 deployment")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), "oldpaste.lz4"), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadAll(context.Background(), "oldpaste")
	if err != nil || string(got) != "written by an lz4 deployment" {
		t.Errorf("ReadAll = %q, %v", got, err)
	}
}

func TestWriteTo(t *testing.T) {
	s := newTestStore(t, nil, 0)
	ctx := context.Background()
	want := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 10000)
	id, err := s.Create(ctx, bytes.NewReader(want))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	n, err := s.WriteTo(ctx, id, &out)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(want)) || !bytes.Equal(out.Bytes(), want) {
		t.Errorf("WriteTo wrote %d bytes, want %d", n, len(want))
	}
	if _, err := s.WriteTo(ctx, "nosuchpaste", &out); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestTextLossy(t *testing.T) {
	s := newTestStore(t, nil, 0)
	ctx := context.Background()
	id, err := s.Create(ctx, bytes.NewReader([]byte("ok \xff\xfe done")))
	if err != nil {
		t.Fatal(err)
	}
	text, err := s.Text(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(text, "ok �") || !strings.HasSuffix(text, " done") {
		t.Errorf("Text = %q", text)
	}
	raw, err := s.ReadAll(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, []byte("ok \xff\xfe done")) {
		t.Errorf("stored bytes changed by rendering: %q", raw)
	}
}

func TestLossy(t *testing.T) {
	tests := map[string]string{
		"plain":        "plain",
		"h\xc3\xa9llo": "héllo",
		"bad\x80":      "bad�",
		"ab\xff\xfecd": "ab\uFFFD\uFFFDcd",
	}
	for in, want := range tests {
		if got := Lossy([]byte(in)); got != want {
			t.Errorf("Lossy(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStat(t *testing.T) {
	s := newTestStore(t, nil, 0)
	id, err := s.Create(context.Background(), strings.NewReader("stat me"))
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.Stat(strings.ToUpper(id))
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != id || p.Size <= 0 || p.ModifiedAt.IsZero() {
		t.Errorf("Stat = %+v", p)
	}
	if _, err := s.Stat("missingpaste"); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	c, _ := codec.New(codec.Options{})
	g := ident.New(ident.Short)
	if _, err := New(Options{Codec: c, Names: g}); err == nil {
		t.Error("expected error for empty dir")
	}
	if _, err := New(Options{Dir: filepath.Join(t.TempDir(), "missing"), Codec: c, Names: g}); err == nil {
		t.Error("expected error for missing dir")
	}
	if _, err := New(Options{Dir: t.TempDir()}); err == nil {
		t.Error("expected error for missing codec")
	}
}

func TestReadReservedNameIsNotFound(t *testing.T) {
	s := newTestStore(t, nil, 0)
	if err := os.WriteFile(filepath.Join(s.Dir(), "reservedname.zst"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(context.Background(), "reservedname"); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("empty reservation treated as paste: %v", err)
	}
}
