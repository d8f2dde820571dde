package codec

import (
	"io"

	"github.com/pkg/errors"
)

// ErrZeroWrite means a sink accepted no bytes while bytes were still
// pending. It is an I/O fault, never end of stream.
var ErrZeroWrite = errors.New("codec: sink accepted zero bytes")

const maxEmptyReads = 100

// Pump copies src to dst one len(buf) chunk at a time until src returns
// io.EOF. Each chunk is written in full with WriteFull before the next read.
// It returns the number of bytes read from src.
func Pump(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, errors.New("codec: pump buffer must not be empty")
	}
	var total int64
	empty := 0
	for {
		n, rerr := src.Read(buf)
		if n == 0 && rerr == nil {
			if empty++; empty >= maxEmptyReads {
				return total, io.ErrNoProgress
			}
			continue
		}
		empty = 0
		if n > 0 {
			total += int64(n)
			if _, werr := WriteFull(dst, buf[:n]); werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// WriteFull writes p to w, retrying short writes. A write that makes no
// progress returns ErrZeroWrite.
func WriteFull(w io.Writer, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.Write(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, ErrZeroWrite
		}
	}
	return written, nil
}

type fullWriter struct {
	w io.Writer
}

func (f fullWriter) Write(p []byte) (int, error) {
	return WriteFull(f.w, p)
}
