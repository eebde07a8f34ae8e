// Package json wraps goccy/go-json for the txpool tools: plain
// marshalling, writer output, and a line-delimited encoder for streaming
// periodic stats.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer gets a buffer from the pool
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 { // Don't pool very large buffers
		return
	}
	bufferPool.Put(buf)
}

// Marshal is a drop-in replacement for json.Marshal
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal is a drop-in replacement for json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// MarshalIndent is a drop-in replacement for json.MarshalIndent
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// MarshalToWriter writes v to w, indented when indent is not empty
func MarshalToWriter(w io.Writer, v interface{}, indent string) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	enc := gojson.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// LinesEncoder writes one JSON document per line. It is safe for
// concurrent use.
type LinesEncoder struct {
	mu  sync.Mutex
	w   io.Writer
	enc *gojson.Encoder
	n   int
}

// NewLinesEncoder creates a line-delimited encoder over w
func NewLinesEncoder(w io.Writer) *LinesEncoder {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &LinesEncoder{w: w, enc: enc}
}

// Encode writes v followed by a newline
func (e *LinesEncoder) Encode(v interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(v); err != nil {
		return err
	}
	e.n++
	return nil
}

// Count returns how many documents were written
func (e *LinesEncoder) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}
