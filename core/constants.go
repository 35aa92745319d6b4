package core

import "errors"

// HTTP header constants
const (
	HeaderContentType      = "Content-Type"
	HeaderContentLength    = "Content-Length"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderConnection       = "Connection"
	HeaderDate             = "Date"
)

// Error definitions
var (
	ErrExchangeDone          = errors.New("engine: exchange already completed or aborted")
	ErrHeadWritten           = errors.New("engine: response head already written")
	ErrHeadNotWritten        = errors.New("engine: response head not written")
	ErrInvalidContentLength  = errors.New("engine: invalid Content-Length")
	ErrContentLengthExceeded = errors.New("engine: body longer than declared Content-Length")
	ErrContentLengthShort    = errors.New("engine: body shorter than declared Content-Length")
)
