package rdma

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/Nugine/async-rdma/transport"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"
)

// Every control message and one-sided header travels as a 4 byte big endian
// length followed by that many bytes. Readers never consume past a frame, so
// the same connection can be handed to yamux right after the handshake.
const frameHeaderLen = 4

// maxControlFrame bounds cbor encoded headers.
const maxControlFrame = 4096

var errFrameTooLong = errors.New("frame exceeds limit")

func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, frameHeaderLen, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader, limit int) ([]byte, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if int64(n) > int64(limit) {
		return nil, errors.Wrapf(errFrameTooLong, "%d > %d", n, limit)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeControl(w io.Writer, v any) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding control frame")
	}
	return writeFrame(w, b)
}

func readControl(r io.Reader, v any) error {
	b, err := readFrame(r, maxControlFrame)
	if err != nil {
		return err
	}
	return errors.Wrap(cbor.Unmarshal(b, v), "decoding control frame")
}

// bindDeadline makes blocking I/O on c honour ctx: its deadline becomes the
// I/O deadline and cancellation expires it immediately. The returned func
// restores an unlimited deadline.
func bindDeadline(ctx context.Context, set func(time.Time) error) (release func()) {
	if dl, ok := ctx.Deadline(); ok {
		set(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		set(time.Now())
	})

	return func() {
		stop()
		set(time.Time{})
	}
}

// normalizeErr maps what the network and yamux report into the transport's sentinels.
func normalizeErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, yamux.ErrStreamClosed) ||
		errors.Is(err, yamux.ErrSessionShutdown) ||
		errors.Is(err, yamux.ErrConnectionReset) {
		return errors.Wrap(transport.ErrConnClosed, err.Error())
	}

	var netErr net.Error
	if errors.Is(err, yamux.ErrTimeout) || (errors.As(err, &netErr) && netErr.Timeout()) {
		// The I/O deadline mirrors ctx's, whose own timer may not have fired yet.
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			return context.DeadlineExceeded
		}
		return transport.ErrDeadLineExceeded
	}
	return err
}
