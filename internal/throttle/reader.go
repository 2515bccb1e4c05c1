package throttle

import (
	"context"
	"fmt"
	"io"

	"github.com/JakeFAU/crawl-governor/internal/wait"
)

const defaultReadChunk = 32 * 1024

type throttledReader struct {
	ctx    context.Context
	stream *StreamThrottler
	rc     io.ReadCloser
	chunk  int
}

// NewReader wraps rc so that every Read first obtains permission from
// stream. Closing the reader closes both the stream and rc.
func NewReader(ctx context.Context, stream *StreamThrottler, rc io.ReadCloser, chunk int) io.ReadCloser {
	if chunk <= 0 {
		chunk = defaultReadChunk
	}
	return &throttledReader{ctx: ctx, stream: stream, rc: rc, chunk: chunk}
}

// Read obtains permission for up to chunk bytes before reading and hands
// back the credit of bytes the read did not return.
func (r *throttledReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return r.rc.Read(p)
	}
	n := len(p)
	if n > r.chunk {
		n = r.chunk
	}

	outcome, err := r.stream.ObtainReadPermission(r.ctx, n)
	if err != nil {
		return 0, err
	}
	switch outcome {
	case wait.Granted:
	case wait.ShuttingDown:
		return 0, ErrShuttingDown
	case wait.Aborted:
		return 0, fmt.Errorf("%w: %w", ErrAborted, context.Cause(r.ctx))
	default:
		return 0, fmt.Errorf("unexpected read outcome %s", outcome)
	}

	read, err := r.rc.Read(p[:n])
	r.stream.ReleaseReadPermission(n, read)
	return read, err
}

func (r *throttledReader) Close() error {
	r.stream.CloseStream()
	return r.rc.Close()
}
