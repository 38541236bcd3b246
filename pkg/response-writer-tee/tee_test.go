package tee

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
)

func TestSavedResponse(t *testing.T) {
	rs := NewResponseSaver()
	rs.Header().Set("Content-Type", "text/html")
	rs.WriteHeader(http.StatusAccepted)
	fmt.Fprint(rs, "<h1>Kassenbon</h1>")

	req, _ := http.NewRequest("GET", "http://app/", nil)
	res, err := rs.Response(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusAccepted || rs.StatusCode() != http.StatusAccepted {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/html" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if body, _ := io.ReadAll(res.Body); string(body) != "<h1>Kassenbon</h1>" {
		t.Fatalf("Body is %s", body)
	}
}

func TestImplicitStatus(t *testing.T) {
	rs := NewResponseSaver()
	rs.Write([]byte("ok"))
	if rs.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", rs.StatusCode())
	}
}

func TestFailedSaver(t *testing.T) {
	rs := NewResponseSaver()
	rs.Fail(errors.New("connection refused"))
	if _, err := rs.Response(nil); err == nil {
		t.Fatal("No error from failed saver")
	}
}
