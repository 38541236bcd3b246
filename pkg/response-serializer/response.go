package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// BytesToResponse converts a stored HTTP/1.1 response back to a http.Response.
// The request, if given, is set as the request of the response.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// ResponseToBytes returns the HTTP/1.1 representation of the response,
// with the body in full and a Content-Length.
// The body of the given response is read but set back, so the response
// can still be sent to the client afterwards (like cloning it).
func ResponseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		// set response body back
		res.Body = io.NopCloser(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
	}
	// write a normalized copy to the buffer
	snapshot := &http.Response{
		Status:        res.Status,
		StatusCode:    res.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        res.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	if snapshot.Header == nil {
		snapshot.Header = http.Header{}
	}
	buf := &bytes.Buffer{}
	if err := snapshot.Write(buf); err != nil {
		return nil, err
	}
	res.ContentLength = int64(len(body))
	return buf.Bytes(), nil
}

// Clone returns a copy of the response that can be consumed independently.
// The body of the original is set back after reading.
func Clone(res *http.Response) (*http.Response, error) {
	b, err := ResponseToBytes(res)
	if err != nil {
		return nil, err
	}
	return BytesToResponse(b, res.Request)
}
