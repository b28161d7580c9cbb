package rpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
)

// Framer delimits messages on a byte stream.
type Framer interface {
	WriteFrame(w io.Writer, payload []byte) error
	ReadFrame(r *bufio.Reader) ([]byte, error)
}

// NewFramer returns the framer for a message delimiter choice.
func NewFramer(delimiter broker.MessageDelimiter) (Framer, error) {
	switch delimiter {
	case broker.DelimiterBigEndianInt32:
		return lengthPrefixFramer{}, nil
	case broker.DelimiterHTTPLikeHeaders:
		return headerFramer{}, nil
	default:
		return nil, fmt.Errorf("unknown message delimiter %q", delimiter)
	}
}

// maxFrameSize guards against a corrupted or hostile length prefix.
const maxFrameSize = 128 << 20

// lengthPrefixFramer prefixes each message with a big-endian 32-bit length.
type lengthPrefixFramer struct{}

func (lengthPrefixFramer) WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (lengthPrefixFramer) ReadFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// headerFramer frames each message with HTTP-like headers terminated by a
// blank line; Content-Length names the body size.
type headerFramer struct{}

func (headerFramer) WriteFrame(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (headerFramer) ReadFrame(r *bufio.Reader) ([]byte, error) {
	length := -1

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed frame header %q", line)
		}

		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			length, err = strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("malformed Content-Length: %w", err)
			}
		}
	}

	if length < 0 {
		return nil, fmt.Errorf("frame headers missing Content-Length")
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
