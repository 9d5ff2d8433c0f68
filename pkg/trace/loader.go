package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
)

// harFile mirrors the subset of the HAR 1.2 format the replay needs.
type harFile struct {
	Log *struct {
		Entries []harEntry `json:"entries"`
	} `json:"log"`
}

type harEntry struct {
	Request struct {
		Method string `json:"method"`
		URL    string `json:"url"`
	} `json:"request"`
	Response struct {
		Status     number   `json:"status"`
		StatusText string   `json:"statusText"`
		Headers    []Header `json:"headers"`
		Content    *struct {
			Size        number `json:"size"`
			Text        string `json:"text"`
			Encoding    string `json:"encoding"`
			Compression number `json:"compression"`
			MimeType    string `json:"mimeType"`
		} `json:"content"`
	} `json:"response"`
	ServerIPAddress string `json:"serverIPAddress"`
}

// number accepts the loose numeric fields recorders emit: integers, floats,
// numeric strings, booleans and null.
type number int64

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null", "false", `""`:
		*n = 0
		return nil
	case "true":
		*n = 1
		return nil
	}
	if len(data) > 1 && data[0] == '"' {
		data = data[1 : len(data)-1]
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", data)
	}
	*n = number(f)
	return nil
}

type options struct {
	maxSize int64
}

// Option configures loading.
type Option func(*options)

// WithMaxSize rejects inputs larger than n bytes. Zero disables the limit.
func WithMaxSize(n int64) Option {
	return func(o *options) {
		o.maxSize = n
	}
}

// ErrTooLarge is returned when the input exceeds the configured maximum size.
type ErrTooLarge struct {
	Limit int64
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("trace exceeds %d bytes", e.Limit)
}

// LoadFile reads and parses a trace file.
func LoadFile(filename string, opts ...Option) (*Trace, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	defer f.Close()

	tr, err := Load(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", filename, err)
	}
	return tr, nil
}

// Load parses a HAR document into a trace. Entries without a resolved server
// address are skipped. Any malformed entry fails the whole load.
func Load(r io.Reader, opts ...Option) (*Trace, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.maxSize > 0 {
		data, err := io.ReadAll(io.LimitReader(r, o.maxSize+1))
		if err != nil {
			return nil, fmt.Errorf("reading trace: %w", err)
		}
		if int64(len(data)) > o.maxSize {
			return nil, &ErrTooLarge{Limit: o.maxSize}
		}
		r = bytes.NewReader(data)
	}

	var har harFile
	if err := json.NewDecoder(r).Decode(&har); err != nil {
		return nil, fmt.Errorf("parsing trace: %w", err)
	}
	if har.Log == nil {
		return nil, fmt.Errorf("parsing trace: missing log object")
	}

	tr := &Trace{
		Total:   len(har.Log.Entries),
		Entries: make([]Entry, 0, len(har.Log.Entries)),
	}

	for i, raw := range har.Log.Entries {
		entry, ok, err := convert(i, raw)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if !ok {
			tr.Skipped++
			continue
		}
		tr.Entries = append(tr.Entries, entry)
	}

	return tr, nil
}

// convert turns a raw HAR entry into an Entry. It returns ok=false for
// entries that cannot be targeted by the replay.
func convert(index int, raw harEntry) (Entry, bool, error) {
	if raw.Request.URL == "" {
		return Entry{}, false, fmt.Errorf("missing request url")
	}
	u, err := url.Parse(raw.Request.URL)
	if err != nil {
		return Entry{}, false, fmt.Errorf("parsing request url: %w", err)
	}

	serverIP := NormalizeIP(raw.ServerIPAddress)
	if serverIP == "" {
		return Entry{}, false, nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Entry{}, false, nil
	}

	origin, err := OriginOf(u)
	if err != nil {
		return Entry{}, false, fmt.Errorf("request url %q: %w", raw.Request.URL, err)
	}

	// Aborted exchanges are recorded with status 0 and have nothing to replay.
	status := int(raw.Response.Status)
	if status == 0 {
		return Entry{}, false, nil
	}
	if status < 100 || status > 999 {
		return Entry{}, false, fmt.Errorf("invalid response status %d", status)
	}
	// Informational responses (101 for websocket upgrades) carry no final
	// response to replay.
	if status < 200 {
		return Entry{}, false, nil
	}

	entry := Entry{
		Index:      index,
		Method:     raw.Request.Method,
		URL:        raw.Request.URL,
		Origin:     origin,
		Path:       RequestPath(u),
		Status:     status,
		StatusText: raw.Response.StatusText,
		Headers:    append([]Header(nil), raw.Response.Headers...),
		ServerIP:   serverIP,
	}
	if c := raw.Response.Content; c != nil {
		entry.Content = Content{
			Size:        int64(c.Size),
			Text:        c.Text,
			Encoding:    c.Encoding,
			Compression: int64(c.Compression),
			MimeType:    c.MimeType,
		}
	}

	return entry, true, nil
}
