package http

import (
	"bytes"
	"errors"
	"net/textproto"
	"strconv"
	"strings"
)

var (
	ErrInvalidRequest = errors.New("invalid HTTP request")
	// ErrIncomplete means more bytes are needed before the request can be parsed
	ErrIncomplete = errors.New("incomplete HTTP request")
	// ErrBodyTooLarge means the declared body exceeds the configured limit
	ErrBodyTooLarge = errors.New("request body too large")
	// ErrUnsupportedEncoding means the request uses a transfer coding this parser does not decode
	ErrUnsupportedEncoding = errors.New("unsupported transfer encoding")
)

var crlfcrlf = []byte("\r\n\r\n")

// ParseRequest parses one request from the start of data and returns the
// number of bytes consumed. Bytes past that belong to the next pipelined
// request. maxBody < 0 disables the body limit.
func ParseRequest(data []byte, maxBody int64) (*Request, int, error) {
	headEnd := bytes.Index(data, crlfcrlf)
	if headEnd == -1 {
		return nil, 0, ErrIncomplete
	}

	req := AcquireRequest()
	req.ContentLength = -1

	// Parse request line
	lineEnd := bytes.IndexByte(data, '\n')
	line := bytes.TrimSuffix(data[:lineEnd], []byte{'\r'})

	// METHOD SP TARGET SP PROTO
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		ReleaseRequest(req)
		return nil, 0, ErrInvalidRequest
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		ReleaseRequest(req)
		return nil, 0, ErrInvalidRequest
	}
	sp2 += sp1 + 1

	req.Method = string(line[:sp1])
	req.RawTarget = string(line[sp1+1 : sp2])
	req.Proto = string(line[sp2+1:])
	if !strings.HasPrefix(req.Proto, "HTTP/1.") {
		ReleaseRequest(req)
		return nil, 0, ErrInvalidRequest
	}

	req.Path = req.RawTarget
	if idx := strings.IndexByte(req.RawTarget, '?'); idx != -1 {
		req.Path = req.RawTarget[:idx]
		req.Query = req.RawTarget[idx:]
	}

	if lineEnd < headEnd {
		if err := parseHeaders(req, data[lineEnd+1:headEnd+2]); err != nil {
			ReleaseRequest(req)
			return nil, 0, err
		}
	}

	consumed := headEnd + len(crlfcrlf)
	if req.Header.Get("Transfer-Encoding") != "" {
		ReleaseRequest(req)
		return nil, 0, ErrUnsupportedEncoding
	}
	if req.ContentLength > 0 {
		if maxBody >= 0 && req.ContentLength > maxBody {
			ReleaseRequest(req)
			return nil, 0, ErrBodyTooLarge
		}
		end := consumed + int(req.ContentLength)
		if len(data) < end {
			ReleaseRequest(req)
			return nil, 0, ErrIncomplete
		}
		req.Body = append(req.Body[:0], data[consumed:end]...)
		consumed = end
	}

	return req, consumed, nil
}

// parseHeaders parses the header block, one CRLF terminated field per line
func parseHeaders(req *Request, data []byte) error {
	for len(data) > 0 {
		lineEnd := bytes.IndexByte(data, '\n')
		if lineEnd == -1 {
			lineEnd = len(data)
		}

		line := bytes.TrimSuffix(data[:lineEnd], []byte{'\r'})
		if len(line) == 0 {
			break
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return ErrInvalidRequest
		}
		key := textproto.CanonicalMIMEHeaderKey(string(bytes.TrimSpace(line[:colon])))
		value := string(bytes.TrimSpace(line[colon+1:]))
		req.Header[key] = append(req.Header[key], value)

		switch key {
		case "Host":
			req.Host = value
		case "Content-Length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return ErrInvalidRequest
			}
			if req.ContentLength >= 0 && req.ContentLength != n {
				return ErrInvalidRequest
			}
			req.ContentLength = n
		case "Connection":
			if strings.EqualFold(value, "close") {
				req.Close = true
			}
		}

		if lineEnd == len(data) {
			break
		}
		data = data[lineEnd+1:]
	}
	return nil
}
