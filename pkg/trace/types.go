package trace

import "strings"

// Header is a single captured response header. Traces keep headers as an
// ordered list so duplicates and their order survive replay.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Content is the captured response body as it appears in the trace.
type Content struct {
	// Size is the declared body size. Zero or negative means no body was declared.
	Size int64 `json:"size,omitempty"`
	// Text is the body in its declared text encoding.
	Text string `json:"text,omitempty"`
	// Encoding is the declared text encoding of Text (base64, utf8, latin1, ...).
	Encoding string `json:"encoding,omitempty"`
	// Compression is non-zero when the recorder marked the body as compressed.
	Compression int64 `json:"compression,omitempty"`
	// MimeType is informational only.
	MimeType string `json:"mimeType,omitempty"`
}

// HasBody reports whether the entry declares a response body.
func (c Content) HasBody() bool {
	return c.Size > 0 || c.Text != ""
}

// Entry is one captured request/response exchange. Entries are created once
// by the loader and never modified afterwards.
type Entry struct {
	// Index is the position of the entry in the original capture, counting
	// entries that were skipped.
	Index int `json:"index"`

	Method string `json:"method,omitempty"`
	URL    string `json:"url"`
	Origin Origin `json:"origin"`
	Path   string `json:"path"`

	Status     int      `json:"status"`
	StatusText string   `json:"statusText,omitempty"`
	Headers    []Header `json:"headers,omitempty"`
	Content    Content  `json:"content"`

	// ServerIP is the address that answered the request in the capture.
	ServerIP string `json:"serverIP"`
}

// Hostname returns the hostname part of the entry's origin.
func (e Entry) Hostname() string {
	return e.Origin.Hostname
}

// HeaderValue returns the first captured value for name, compared
// case-insensitively.
func (e Entry) HeaderValue(name string) (string, bool) {
	for _, h := range e.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Trace is a loaded capture.
type Trace struct {
	// Entries holds every replayable entry in capture order.
	Entries []Entry
	// Total is the number of entries in the input, including skipped ones.
	Total int
	// Skipped counts entries without a server address or with a scheme that
	// cannot be served.
	Skipped int
}
