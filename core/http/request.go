package http

import (
	stdhttp "net/http"
	"strings"
	"sync"
)

// Request is a parsed HTTP/1.x request head plus its body
type Request struct {
	Method    string
	RawTarget string
	Path      string
	Query     string
	Proto     string

	// Hot header values, also present in Header
	Host          string
	ContentLength int64
	Close         bool

	Header stdhttp.Header
	Body   []byte
}

var requestPool = sync.Pool{
	New: func() any {
		return &Request{
			Header: make(stdhttp.Header, 8),
			Body:   make([]byte, 0, 1024),
		}
	},
}

// AcquireRequest returns an empty request from the pool
func AcquireRequest() *Request {
	return requestPool.Get().(*Request)
}

// ReleaseRequest resets req and returns it to the pool
func ReleaseRequest(req *Request) {
	if req == nil {
		return
	}
	req.Reset()
	requestPool.Put(req)
}

// Reset resets the request for reuse (memory not freed, just reset)
func (r *Request) Reset() {
	r.Method = ""
	r.RawTarget = ""
	r.Path = ""
	r.Query = ""
	r.Proto = ""
	r.Host = ""
	r.ContentLength = -1
	r.Close = false
	clear(r.Header)
	r.Body = r.Body[:0]
}

// ProtoAtLeast reports whether the request version is at least major.minor
func (r *Request) ProtoAtLeast(major, minor int) bool {
	maj, mn, ok := stdhttp.ParseHTTPVersion(r.Proto)
	if !ok {
		return false
	}
	return maj > major || maj == major && mn >= minor
}

// KeepAlive reports whether the connection may carry another request
func (r *Request) KeepAlive() bool {
	if r.Close {
		return false
	}
	if r.ProtoAtLeast(1, 1) {
		return true
	}
	return headerHasToken(r.Header, "Connection", "keep-alive")
}

// WantsUpgrade reports whether the client asked for a protocol switch
func (r *Request) WantsUpgrade() bool {
	return headerHasToken(r.Header, "Connection", "upgrade") && r.Header.Get("Upgrade") != ""
}

func headerHasToken(h stdhttp.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for part := range strings.SplitSeq(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
