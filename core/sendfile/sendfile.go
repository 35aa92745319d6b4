// Package sendfile streams files to sockets with the sendfile syscall.
package sendfile

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// chunk bounds a single sendfile call so that cancellation is observed
const chunk = 1 << 20

// pollInterval bounds how long a blocked write waits before rechecking ctx
const pollInterval = 100 * time.Millisecond

// Copy sends count bytes of f starting at offset to the non-blocking
// socket connFd. A negative count sends up to the end of the file.
func Copy(ctx context.Context, connFd int, f *File, offset, count int64) (int64, error) {
	if count < 0 {
		count = f.Size - offset
	}
	if offset < 0 || offset+count > f.Size {
		return 0, io.ErrUnexpectedEOF
	}

	fileFd := int(f.Fd())
	var written int64
	for written < count {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, err := unix.Sendfile(connFd, fileFd, &offset, int(min(count-written, chunk)))
		if n > 0 {
			written += int64(n)
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := WaitWritable(ctx, connFd); err != nil {
				return written, err
			}
			continue
		case err != nil:
			return written, err
		case n == 0:
			return written, io.ErrUnexpectedEOF
		}
	}

	return written, nil
}

// WaitWritable blocks until fd can take more bytes or ctx is done
func WaitWritable(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
				return unix.EPIPE
			}
			return nil
		}
	}
}

// ContentType returns the MIME type for a file name
func ContentType(filename string) string {
	switch filepath.Ext(filename) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".xml":
		return "application/xml; charset=utf-8"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".ico":
		return "image/x-icon"
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
