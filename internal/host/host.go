// Package host implements the browser native messaging transport: frames
// are a 4-byte little-endian length followed by UTF-8 JSON.
package host

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/goodtune/tabtrack/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// MaxInboundSize is the largest frame the browser may send.
	MaxInboundSize = 8 << 20

	// MaxOutboundSize is the largest frame the browser accepts.
	MaxOutboundSize = 1 << 20
)

// ErrFrameTooLarge is returned for frames above the size limits.
var ErrFrameTooLarge = errors.New("host: frame too large")

// Reader reads frames from the browser.
type Reader struct {
	r      *bufio.Reader
	logger zerolog.Logger
}

// NewReader wraps r, usually os.Stdin.
func NewReader(r io.Reader, logger zerolog.Logger) *Reader {
	return &Reader{
		r:      bufio.NewReader(r),
		logger: logger.With().Str("component", "host").Logger(),
	}
}

// ReadFrame returns the next frame payload. An oversized frame is consumed
// and reported with ErrFrameTooLarge so the stream stays in sync.
func (r *Reader) ReadFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > MaxInboundSize {
		if _, err := io.CopyN(io.Discard, r.r, int64(size)); err != nil {
			return nil, fmt.Errorf("discard oversized frame: %w", err)
		}
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return payload, nil
}

// ReadMessage returns the next frame decoded as a Message.
func (r *Reader) ReadMessage() (Message, error) {
	payload, err := r.ReadFrame()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", errMalformed)
	}
	return msg, nil
}

var errMalformed = errors.New("host: malformed message")

// Run forwards messages to out until EOF, a broken frame, or ctx is done.
// Malformed and oversized frames are logged and skipped. A clean EOF
// returns nil.
func (r *Reader) Run(ctx context.Context, out chan<- Message) error {
	for {
		msg, err := r.ReadMessage()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			r.logger.Info().Msg("Browser closed the native messaging port")
			return nil
		case errors.Is(err, errMalformed), errors.Is(err, ErrFrameTooLarge):
			r.logger.Warn().Err(err).Msg("Skipping frame")
			continue
		default:
			return err
		}

		metrics.MessagesTotal.WithLabelValues("in", msg.Type).Inc()
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Writer writes frames to the browser. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w, usually os.Stdout.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage encodes and writes one frame.
func (w *Writer) WriteMessage(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if len(payload) > MaxOutboundSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrFrameTooLarge, msg.Type, len(payload))
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("out", msg.Type).Inc()
	return nil
}

// Send writes a message of type typ carrying data.
func (w *Writer) Send(typ string, data any) error {
	msg := Message{Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s data: %w", typ, err)
		}
		msg.Data = raw
	}
	return w.WriteMessage(msg)
}
