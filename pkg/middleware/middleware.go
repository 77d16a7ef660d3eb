// Package middleware turns inbound HTTP requests into telemetry records.
package middleware

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gt8004/gt8004/pkg/event"
)

// Enqueuer accepts records. *transport.Transport satisfies it.
type Enqueuer interface {
	Enqueue(event.Record)
}

// Options configures Handler.
type Options struct {
	AgentID  string
	Protocol event.Protocol
	// SkipPaths are served without being recorded (health and metrics endpoints).
	SkipPaths []string
}

// capturedHeaders are copied into every record when present.
var capturedHeaders = []string{"User-Agent", "Content-Type", "Referer"}

// Handler wraps next so every request produces one record. The response is
// passed through untouched.
func Handler(t Enqueuer, opts Options, next http.Handler) http.Handler {
	skip := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skip[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		var (
			body     []byte
			reqBody  *countingReader
			captured bool
		)
		if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
			// Read the head of the body before the handler runs: HTTP/1.x bodies
			// may be unreadable once the response has been flushed.
			body, _ = io.ReadAll(io.LimitReader(r.Body, BodyLimit+1))
			captured = len(body) <= BodyLimit
			reqBody = &countingReader{r: r.Body}
			r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(body), reqBody), closer: r.Body}
		}
		rw := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		rec := event.Record{
			RequestID:  uuid.NewString(),
			AgentID:    opts.AgentID,
			Protocol:   opts.Protocol,
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: rw.status,
			Duration:   time.Since(start),
			Timestamp:  start,
			IPAddress:  clientIP(r),
		}
		if reqBody != nil {
			rec.RequestBodySize = len(body) + reqBody.n
			if captured {
				rec.RequestBody = string(body)
			} else {
				if r.ContentLength > int64(rec.RequestBodySize) {
					rec.RequestBodySize = int(r.ContentLength)
				}
				body = nil
			}
		}
		rec.ResponseBodySize = rw.n
		if rw.n <= BodyLimit {
			rec.ResponseBody = rw.buf.String()
		}

		rec.Operation = ExtractToolName(opts.Protocol, body, r.URL.Path)
		if rec.Operation == "" {
			rec.Operation = event.UnknownOperation
		}
		if rw.status >= http.StatusInternalServerError {
			rec.ErrorCode = http.StatusText(rw.status)
		}

		for _, h := range capturedHeaders {
			if v := r.Header.Get(h); v != "" {
				if rec.Headers == nil {
					rec.Headers = make(map[string]string, len(capturedHeaders))
				}
				rec.Headers[http.CanonicalHeaderKey(h)] = v
			}
		}

		t.Enqueue(rec)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// countingReader counts bytes read past the captured head of a request body.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error {
	return b.closer.Close()
}

// responseRecorder passes writes through while keeping the status and a
// bounded copy of the body.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
	n           int
}

func (rw *responseRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(p []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(p)
	if n > 0 {
		if room := BodyLimit + 1 - rw.buf.Len(); room > 0 {
			rw.buf.Write(p[:min(n, room)])
		}
		rw.n += n
	}
	return n, err
}

func (rw *responseRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("middleware: hijack not supported")
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
