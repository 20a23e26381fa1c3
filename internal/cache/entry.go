package cache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// Key is the request identity used for cache lookups, matched exactly.
type Key struct {
	Method string
	URL    string
}

// KeyFor returns the identity of req: its method and absolute URL.
func KeyFor(req *http.Request) Key {
	return Key{Method: req.Method, URL: req.URL.String()}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Entry is a stored response.
type Entry struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body"`
}

// Record pairs a key with the entry stored under it.
type Record struct {
	Key   Key
	Entry Entry
}

// Response rebuilds an *http.Response for req from the stored entry. Each
// call gets its own header map and body reader.
func (e Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
