package queue

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/perbu/harreplay/pkg/trace"
)

func testEntry(t *testing.T, index int, scheme, host, path, body string) trace.Entry {
	t.Helper()
	o, err := trace.ParseOrigin(scheme, host)
	if err != nil {
		t.Fatalf("ParseOrigin() error = %v", err)
	}
	return trace.Entry{
		Index:    index,
		URL:      scheme + "://" + host + path,
		Origin:   o,
		Path:     path,
		Status:   200,
		Content:  trace.Content{Text: body, Size: int64(len(body))},
		ServerIP: "10.0.0.1",
	}
}

func TestIndex_Sequence(t *testing.T) {
	ix, err := Build([]trace.Entry{
		testEntry(t, 0, "https", "a.example", "/x", "A1"),
		testEntry(t, 1, "https", "a.example", "/y", "B1"),
		testEntry(t, 2, "https", "a.example", "/x", "A2"),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	key := "https://a.example:443"

	for _, want := range []string{"A1", "A2"} {
		r, err := ix.Next(key, "/x")
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if string(r.Body) != want {
			t.Errorf("Next() body = %q, want %q", r.Body, want)
		}
	}

	// Exhaustion is sticky until reset.
	for i := 0; i < 2; i++ {
		if _, err := ix.Next(key, "/x"); !errors.Is(err, ErrExhausted) {
			t.Errorf("Next() after end error = %v, want ErrExhausted", err)
		}
	}

	// Other queues are unaffected.
	if r, err := ix.Next(key, "/y"); err != nil || string(r.Body) != "B1" {
		t.Errorf("Next(/y) = %v, %v", r, err)
	}

	ix.Reset()
	r, err := ix.Next(key, "/x")
	if err != nil || string(r.Body) != "A1" {
		t.Errorf("Next() after Reset = %v, %v, want A1", r, err)
	}
}

func TestIndex_LookupErrors(t *testing.T) {
	ix, err := Build([]trace.Entry{testEntry(t, 0, "http", "a.example", "/", "")})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tests := []struct {
		name   string
		origin string
		path   string
		want   error
	}{
		{"unknown origin", "http://b.example:80", "/", ErrUnknownOrigin},
		{"port is part of the origin", "http://a.example:8080", "/", ErrUnknownOrigin},
		{"unknown path", "http://a.example:80", "/missing", ErrUnknownPath},
		{"query is part of the path", "http://a.example:80", "/?q=1", ErrUnknownPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ix.Next(tt.origin, tt.path)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Next() error = %v, want %v", err, tt.want)
			}
			var le *LookupError
			if !errors.As(err, &le) {
				t.Fatalf("Next() error is %T, want *LookupError", err)
			}
			if le.Origin != tt.origin || le.Path != tt.path {
				t.Errorf("LookupError = %+v", le)
			}
		})
	}
}

func TestIndex_ConcurrentNext(t *testing.T) {
	const n = 200
	var entries []trace.Entry
	for i := 0; i < n; i++ {
		entries = append(entries, testEntry(t, i, "https", "a.example", "/", strconv.Itoa(i)))
	}
	ix, err := Build(entries)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]bool)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := -1
			for {
				r, err := ix.Next("https://a.example:443", "/")
				if errors.Is(err, ErrExhausted) {
					return
				}
				if err != nil {
					t.Errorf("Next() error = %v", err)
					return
				}
				v, _ := strconv.Atoi(string(r.Body))
				if v <= last {
					t.Errorf("worker saw %d after %d", v, last)
				}
				last = v
				mu.Lock()
				if seen[v] {
					t.Errorf("response %d served twice", v)
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("served %d responses, want %d", len(seen), n)
	}
	if s := ix.Stats(); s.Served != n || s.Responses != n || s.Queues != 1 || s.Origins != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestIndex_ResetDuringDispatch(t *testing.T) {
	var entries []trace.Entry
	for i := 0; i < 50; i++ {
		entries = append(entries, testEntry(t, i, "https", "a.example", "/", strconv.Itoa(i)))
	}
	ix, err := Build(entries)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_, err := ix.Next("https://a.example:443", "/")
				if err != nil && !errors.Is(err, ErrExhausted) {
					t.Errorf("Next() error = %v", err)
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		ix.Reset()
	}
	wg.Wait()

	ix.Reset()
	r, err := ix.Next("https://a.example:443", "/")
	if err != nil || string(r.Body) != "0" {
		t.Errorf("Next() after Reset = %v, %v, want body 0", r, err)
	}
}

func TestRender_Body(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		encoding string
		want     []byte
	}{
		{"default utf8", "héllo", "", []byte("héllo")},
		{"base64", "aGVsbG8=", "base64", []byte("hello")},
		{"base64 without padding", "aGVsbG8", "base64", []byte("hello")},
		{"hex", "4869", "hex", []byte("Hi")},
		{"latin1", "café", "latin1", []byte{'c', 'a', 'f', 0xe9}},
		{"binary", "ÿ", "binary", []byte{0xff}},
		{"utf16le", "hi", "utf16le", []byte{'h', 0, 'i', 0}},
		{"ucs2", "A", "ucs2", []byte{'A', 0}},
		{"named charset", "€", "windows-1252", []byte{0x80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEntry(t, 0, "https", "a.example", "/", tt.text)
			e.Content.Encoding = tt.encoding
			r, err := Render(e)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if !bytes.Equal(r.Body, tt.want) {
				t.Errorf("Render() body = %v, want %v", r.Body, tt.want)
			}
		})
	}
}

func TestRender_Errors(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		encoding string
	}{
		{"bad base64", "!!!", "base64"},
		{"bad hex", "zz", "hex"},
		{"unknown encoding", "x", "klingon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEntry(t, 0, "https", "a.example", "/", tt.text)
			e.Content.Encoding = tt.encoding
			if _, err := Render(e); err == nil {
				t.Error("Render() error = nil, want error")
			}
			if _, err := Build([]trace.Entry{e}); err == nil {
				t.Error("Build() error = nil, want error")
			}
		})
	}
}

func TestRender_Gzip(t *testing.T) {
	tests := []struct {
		name        string
		compression int64
		headers     []trace.Header
		wantGzip    bool
	}{
		{"plain", 0, nil, false},
		{"compression field", 120, nil, true},
		{"content-encoding header", 0, []trace.Header{{Name: "content-encoding", Value: "GZIP"}}, true},
		{"other encoding", 0, []trace.Header{{Name: "Content-Encoding", Value: "br"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEntry(t, 0, "https", "a.example", "/", "payload payload payload")
			e.Content.Compression = tt.compression
			e.Headers = tt.headers
			r, err := Render(e)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if !tt.wantGzip {
				if string(r.Body) != "payload payload payload" {
					t.Errorf("Render() body = %q", r.Body)
				}
				return
			}
			zr, err := gzip.NewReader(bytes.NewReader(r.Body))
			if err != nil {
				t.Fatalf("body is not gzip: %v", err)
			}
			plain, err := io.ReadAll(zr)
			if err != nil {
				t.Fatalf("reading gzip body: %v", err)
			}
			if string(plain) != "payload payload payload" {
				t.Errorf("decompressed body = %q", plain)
			}
		})
	}
}

func TestRender_Headers(t *testing.T) {
	e := testEntry(t, 0, "https", "a.example", "/", "abc")
	e.Headers = []trace.Header{
		{Name: ":status", Value: "200"},
		{Name: "Set-Cookie", Value: "a=1"},
		{Name: "content-length", Value: "999"},
		{Name: "Set-Cookie", Value: "b=2"},
		{Name: "X-Custom", Value: "v"},
	}
	r, err := Render(e)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := []trace.Header{
		{Name: "Set-Cookie", Value: "a=1"},
		{Name: "Set-Cookie", Value: "b=2"},
		{Name: "X-Custom", Value: "v"},
		{Name: "Content-Length", Value: "3"},
	}
	if len(r.Headers) != len(want) {
		t.Fatalf("Render() headers = %v, want %v", r.Headers, want)
	}
	for i := range want {
		if r.Headers[i] != want[i] {
			t.Errorf("header %d = %v, want %v", i, r.Headers[i], want[i])
		}
	}
}

func TestRender_NoBody(t *testing.T) {
	e := testEntry(t, 0, "https", "a.example", "/", "")
	e.Status = 204
	e.Content.Compression = 10
	r, err := Render(e)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if len(r.Body) != 0 {
		t.Errorf("Render() body = %q, want empty", r.Body)
	}
	if last := r.Headers[len(r.Headers)-1]; last.Value != "0" {
		t.Errorf("Content-Length = %q, want 0", last.Value)
	}
	if r.Status != 204 {
		t.Errorf("Status = %d, want 204", r.Status)
	}
}
