//go:build unix

package rtp

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// readNonBlocking читает датаграмму напрямую из дескриптора.
// Сокеты Go уже неблокирующие, поэтому пустой сокет дает EAGAIN.
func (t *UDPTransport) readNonBlocking(buf []byte) (int, net.Addr, error) {
	var (
		n       int
		from    unix.Sockaddr
		readErr error
	)

	err := t.rawConn.Read(func(fd uintptr) bool {
		for {
			n, from, readErr = unix.Recvfrom(int(fd), buf, 0)
			if readErr == unix.EINTR {
				continue
			}
			// true: не ждать готовности в netpoller
			return true
		}
	})
	if err != nil {
		return 0, nil, err
	}
	if errors.Is(readErr, unix.EAGAIN) || errors.Is(readErr, unix.EWOULDBLOCK) {
		return 0, nil, ErrNoData
	}
	if readErr != nil {
		return 0, nil, readErr
	}
	return n, sockaddrToUDP(from), nil
}

// waitReadable ждет готовности сокета на чтение через netpoller.
// Уже лежащая в сокете датаграмма проверяется через MSG_PEEK и не извлекается.
func (t *UDPTransport) waitReadable() error {
	var peek [1]byte
	return t.rawConn.Read(func(fd uintptr) bool {
		for {
			_, _, err := unix.Recvfrom(int(fd), peek[:], unix.MSG_PEEK)
			if err == unix.EINTR {
				continue
			}
			// EAGAIN: данных нет, ждем в netpoller
			return !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK)
		}
	})
}

func sockaddrToUDP(sa unix.Sockaddr) *net.UDPAddr {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(addr.Addr[:]).To16(), Port: addr.Port}
	case *unix.SockaddrInet6:
		udp := &net.UDPAddr{IP: net.IP(append([]byte(nil), addr.Addr[:]...)), Port: addr.Port}
		if addr.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(addr.ZoneId)); err == nil {
				udp.Zone = ifi.Name
			}
		}
		return udp
	default:
		return nil
	}
}
