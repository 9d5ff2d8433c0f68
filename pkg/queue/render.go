package queue

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/perbu/harreplay/pkg/trace"
)

// Response is a recorded response rendered into the bytes that go on the wire.
type Response struct {
	Status  int
	Headers []trace.Header
	Body    []byte
}

// Render converts a captured entry into a replayable response. The body is
// decoded from its declared text encoding and re-compressed when the capture
// says it was gzipped. Content-Length always reflects the final body.
func Render(e trace.Entry) (*Response, error) {
	var body []byte
	if e.Content.HasBody() {
		decoded, err := decodeText(e.Content.Text, e.Content.Encoding)
		if err != nil {
			return nil, fmt.Errorf("decoding body of %s: %w", e.URL, err)
		}
		body = decoded

		if e.Content.Compression != 0 || isGzipped(e.Headers) {
			body, err = gzipBytes(body)
			if err != nil {
				return nil, fmt.Errorf("compressing body of %s: %w", e.URL, err)
			}
		}
	}
	if body == nil {
		body = []byte{}
	}

	headers := make([]trace.Header, 0, len(e.Headers)+1)
	for _, h := range e.Headers {
		// Pseudo-headers from HTTP/2 captures are not real header fields.
		if strings.HasPrefix(h.Name, ":") || strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		headers = append(headers, h)
	}
	headers = append(headers, trace.Header{Name: "Content-Length", Value: strconv.Itoa(len(body))})

	return &Response{
		Status:  e.Status,
		Headers: headers,
		Body:    body,
	}, nil
}

func isGzipped(headers []trace.Header) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Encoding") && strings.EqualFold(strings.TrimSpace(h.Value), "gzip") {
			return true
		}
	}
	return false
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeText turns text in the named encoding into raw bytes. The names
// follow what HAR recorders emit; anything else is looked up as a charset.
func decodeText(text, enc string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "utf8", "utf-8":
		return []byte(text), nil
	case "base64":
		if b, err := base64.StdEncoding.DecodeString(text); err == nil {
			return b, nil
		}
		b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(text, "="))
		if err != nil {
			return nil, fmt.Errorf("invalid base64: %w", err)
		}
		return b, nil
	case "hex":
		b, err := hex.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return b, nil
	case "latin1", "binary", "ascii":
		return encodeWith(charmap.ISO8859_1, text)
	case "utf16le", "utf-16le", "ucs2", "ucs-2":
		return encodeWith(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), text)
	}

	cs, err := htmlindex.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
	return encodeWith(cs, text)
}

func encodeWith(enc encoding.Encoding, text string) ([]byte, error) {
	out, err := encoding.ReplaceUnsupported(enc.NewEncoder()).String(text)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}
