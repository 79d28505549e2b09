package singer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// maxLineBytes bounds a single protocol line. Records larger than this are a
// protocol error rather than an OOM.
const maxLineBytes = 256 << 20

// Stream reads r line by line and sends decoded messages to out.
//
// Blank lines are skipped. A malformed line stops the stream: the protocol is
// ordered, so skipping a SCHEMA or STATE line would corrupt everything after it.
// onParseErr, when non-nil, sees the failing line number before Stream returns.
//
// Stream returns nil at EOF, ctx.Err() when canceled while blocked on out.
func Stream(ctx context.Context, r io.Reader, out chan<- Message, onParseErr func(line int, err error)) error {
	br := bufio.NewReaderSize(r, 1<<20)
	line := 0

	for {
		raw, err := readLine(br)
		if err == nil || len(raw) > 0 {
			line++
			trimmed := bytes.TrimSpace(raw)
			if len(trimmed) > 0 {
				msg, derr := Decode(trimmed)
				if derr != nil {
					if onParseErr != nil {
						onParseErr(line, derr)
					}
					return fmt.Errorf("line %d: %w", line, derr)
				}
				msg.Line = line

				select {
				case out <- msg:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("singer: read line %d: %w", line+1, err)
		}
	}
}

// readLine returns the next line without its terminator. Lines longer than
// the reader's buffer are assembled from fragments up to maxLineBytes.
func readLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		frag, err := br.ReadSlice('\n')
		if len(buf)+len(frag) > maxLineBytes {
			return nil, fmt.Errorf("singer: line exceeds %d bytes", maxLineBytes)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			buf = append(buf, frag...)
			continue
		}
		if buf == nil {
			buf = append([]byte(nil), frag...)
		} else {
			buf = append(buf, frag...)
		}
		return bytes.TrimRight(buf, "\r\n"), err
	}
}
