package core

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"
)

// readChunkSize bounds each individual Read call while draining a
// frame body, matching the chunked-read idiom of hkexnet.go's Read.
const readChunkSize = 512

// writeFrame emits LE32(len(payload)) followed by payload to w. The
// caller is responsible for holding writeLock; writeFrame itself does
// no locking so it can be reused for both encrypted post-handshake
// frames and the handshake's own length-prefixed plaintext lines.
func writeFrame(w io.Writer, payload []byte) (wireBytes int, err error) {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return 0, &FrameError{BytesRead: 0, Err: err}
	}
	if _, err := w.Write(payload); err != nil {
		return 4, &FrameError{BytesRead: 4, Err: err}
	}
	return 4 + len(payload), nil
}

// readFrame reads exactly 4 bytes of LE32 length N, then N bytes in
// chunks of up to readChunkSize, concatenating short reads. EOF before
// N bytes have been read is a fatal I/O error.
func readFrame(r io.Reader) (payload []byte, wireBytes int, err error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, ErrFrameUnderflow
		}
		return nil, 0, &FrameError{BytesRead: 0, Err: err}
	}
	n := binary.LittleEndian.Uint32(header)

	payload = make([]byte, n)
	read := 0
	for read < int(n) {
		end := read + readChunkSize
		if end > int(n) {
			end = int(n)
		}
		got, err := r.Read(payload[read:end])
		read += got
		if err != nil {
			if errors.Is(err, io.EOF) && read < int(n) {
				return nil, 4 + read, &FrameError{BytesRead: 4 + read, Err: io.ErrUnexpectedEOF}
			}
			if err != io.EOF {
				return nil, 4 + read, &FrameError{BytesRead: 4 + read, Err: err}
			}
		}
	}
	return payload, 4 + int(n), nil
}

// pollReadable reports whether br has at least one byte buffered or
// immediately available on conn, without consuming it, using a short
// deadline to approximate a "1 ms read-select": net.Conn
// has no portable readiness probe, so bufio.Reader.Peek under a brief
// deadline stands in for select(2) here, the same trick hkexnet.go's
// Conn.Read avoids needing by controlling its own buffering.
func pollReadable(conn net.Conn, br *bufio.Reader) bool {
	if br.Buffered() > 0 {
		return true
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := br.Peek(1)
	_ = conn.SetReadDeadline(time.Time{})
	if err == nil {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	return false
}
