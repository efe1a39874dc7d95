package chat

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// lineReader splits the inbound stream into newline-delimited messages.
type lineReader struct {
	r   *bufio.Reader
	max int
}

func newLineReader(r io.Reader, max int) *lineReader {
	if max <= 0 {
		max = DefaultMaxMessageBytes
	}
	return &lineReader{r: bufio.NewReaderSize(r, max+2), max: max}
}

// next returns one message without its "\r\n" terminator. A trailing
// unterminated line is returned before io.EOF.
func (lr *lineReader) next() (string, error) {
	line, err := lr.r.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrBufferFull):
		return "", ErrMessageTooLong
	case err == io.EOF && len(line) > 0:
		// last line without newline
	case err == io.EOF:
		return "", io.EOF
	default:
		return "", fmt.Errorf("read: %w", err)
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(line) > lr.max {
		return "", ErrMessageTooLong
	}
	return string(line), nil
}
