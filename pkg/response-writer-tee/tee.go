package tee

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	serializer "github.com/always-cache/offline-worker/pkg/response-serializer"
)

// ResponseSaver is an http.ResponseWriter that saves the response to a buffer,
// so that a handler (e.g. a reverse proxy) can be used as a network fetcher.
type ResponseSaver struct {
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	err          error
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	// write http status, headers, and separator to buffer
	// this uses HTTP 1.1 format only
	t.b.WriteString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode)))
	t.header.Write(t.b)
	t.b.WriteString("\r\n")
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	// write to buffer and return written bytes
	return t.b.Write(b)
}

// Fail records a transport error, e.g. from a reverse proxy error handler.
// A failed saver does not produce a response.
func (t *ResponseSaver) Fail(err error) {
	t.err = err
}

// Err returns the recorded transport error.
func (t *ResponseSaver) Err() error {
	return t.err
}

// Bytes returns the recorded response as a byte slice.
func (t *ResponseSaver) Bytes() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// Response returns the recorded response, or the recorded error.
func (t *ResponseSaver) Response(req *http.Request) (*http.Response, error) {
	if t.err != nil {
		return nil, t.err
	}
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return serializer.BytesToResponse(t.b.Bytes(), req)
}

// NewResponseSaver returns a new ResponseSaver.
func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		b:         &bytes.Buffer{},
		header:    http.Header{},
	}
}
