//go:build !unix

package rtp

import (
	"errors"
	"net"
	"os"
	"time"
)

// fallbackReadWindow - окно чтения там, где нет прямого доступа к recvfrom
const fallbackReadWindow = time.Millisecond

func (t *UDPTransport) readNonBlocking(buf []byte) (int, net.Addr, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(fallbackReadWindow)); err != nil {
		return 0, nil, err
	}
	defer t.conn.SetReadDeadline(time.Time{})

	n, addr, err := t.conn.ReadFromUDP(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, nil, ErrNoData
	}
	if err != nil {
		return 0, nil, err
	}
	return n, addr, nil
}

func (t *UDPTransport) waitReadable() error {
	return ErrWaitUnsupported
}
