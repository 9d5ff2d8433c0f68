package trace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleHAR = `{
  "log": {
    "entries": [
      {
        "request": {"method": "GET", "url": "https://A.example/x?q=1"},
        "response": {
          "status": 200,
          "statusText": "OK",
          "headers": [
            {"name": "Set-Cookie", "value": "a=1"},
            {"name": "Set-Cookie", "value": "b=2"}
          ],
          "content": {"size": 2, "text": "A1", "mimeType": "text/plain"}
        },
        "serverIPAddress": "10.0.0.2"
      },
      {
        "request": {"method": "GET", "url": "http://b.example:8080/"},
        "response": {"status": 204, "headers": [], "content": {"size": 0}},
        "serverIPAddress": ""
      },
      {
        "request": {"method": "GET", "url": "http://c.example/img"},
        "response": {"status": 200, "headers": [], "content": {"size": 3.0, "text": "AAEC", "encoding": "base64", "compression": 12}},
        "serverIPAddress": "[2001:db8::1]"
      },
      {
        "request": {"method": "GET", "url": "data:text/plain,hi"},
        "response": {"status": 200, "headers": []},
        "serverIPAddress": "10.0.0.9"
      }
    ]
  }
}`

func TestLoad_Entries(t *testing.T) {
	tr, err := Load(strings.NewReader(sampleHAR))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if tr.Total != 4 {
		t.Errorf("Total = %d, want 4", tr.Total)
	}
	if tr.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", tr.Skipped)
	}
	if len(tr.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(tr.Entries))
	}

	first := tr.Entries[0]
	if first.Index != 0 {
		t.Errorf("first.Index = %d, want 0", first.Index)
	}
	if got := first.Origin.Key(); got != "https://a.example:443" {
		t.Errorf("first.Origin.Key() = %q, want https://a.example:443", got)
	}
	if first.Path != "/x?q=1" {
		t.Errorf("first.Path = %q, want /x?q=1", first.Path)
	}
	if len(first.Headers) != 2 || first.Headers[0].Value != "a=1" || first.Headers[1].Value != "b=2" {
		t.Errorf("first.Headers = %v, want both Set-Cookie values in order", first.Headers)
	}
	if first.Content.Text != "A1" {
		t.Errorf("first.Content.Text = %q, want A1", first.Content.Text)
	}

	second := tr.Entries[1]
	if second.Index != 2 {
		t.Errorf("second.Index = %d, want 2", second.Index)
	}
	if second.ServerIP != "2001:db8::1" {
		t.Errorf("second.ServerIP = %q, want brackets stripped", second.ServerIP)
	}
	if got := second.Origin.Key(); got != "http://c.example:80" {
		t.Errorf("second.Origin.Key() = %q, want http://c.example:80", got)
	}
	if second.Content.Compression != 12 || second.Content.Size != 3 {
		t.Errorf("second.Content = %+v, want size 3 and compression 12", second.Content)
	}
}

func TestLoad_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{"log": [`},
		{"missing log", `{"entries": []}`},
		{"missing url", `{"log": {"entries": [{"request": {}, "response": {"status": 200}, "serverIPAddress": "10.0.0.1"}]}}`},
		{"bad url", `{"log": {"entries": [{"request": {"url": "http://%zz"}, "response": {"status": 200}, "serverIPAddress": "10.0.0.1"}]}}`},
		{"bad status", `{"log": {"entries": [{"request": {"url": "http://a/"}, "response": {"status": 42}, "serverIPAddress": "10.0.0.1"}]}}`},
		{"bad port", `{"log": {"entries": [{"request": {"url": "http://a:99999/"}, "response": {"status": 200}, "serverIPAddress": "10.0.0.1"}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := Load(strings.NewReader(tt.input))
			if err == nil {
				t.Fatalf("Load() = %+v, want error", tr)
			}
		})
	}
}

func TestLoad_UnreplayableStatusSkipped(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"aborted", 0},
		{"switching protocols", 101},
		{"early hints", 103},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := fmt.Sprintf(`{"log": {"entries": [{"request": {"url": "http://a/"}, "response": {"status": %d}, "serverIPAddress": "10.0.0.1"}]}}`, tt.status)
			tr, err := Load(strings.NewReader(input))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(tr.Entries) != 0 || tr.Skipped != 1 {
				t.Errorf("Entries = %d, Skipped = %d, want 0 and 1", len(tr.Entries), tr.Skipped)
			}
		})
	}
}

func TestLoad_MaxSize(t *testing.T) {
	_, err := Load(strings.NewReader(sampleHAR), WithMaxSize(16))
	var tooLarge *ErrTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("Load() error = %v, want *ErrTooLarge", err)
	}
	if tooLarge.Limit != 16 {
		t.Errorf("Limit = %d, want 16", tooLarge.Limit)
	}

	if _, err := Load(strings.NewReader(sampleHAR), WithMaxSize(int64(len(sampleHAR)))); err != nil {
		t.Errorf("Load() at exact limit error = %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.har")
	if err := os.WriteFile(path, []byte(sampleHAR), 0644); err != nil {
		t.Fatalf("writing trace: %v", err)
	}

	tr, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(tr.Entries) != 2 {
		t.Errorf("len(Entries) = %d, want 2", len(tr.Entries))
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.har")); err == nil {
		t.Error("LoadFile() on missing file expected error")
	}
}
