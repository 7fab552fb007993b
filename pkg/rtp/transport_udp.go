package rtp

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

// UDPTransport - неблокирующий UDP транспорт на одном локальном порту.
// RTP и RTCP мультиплексируются на этом же порту.
type UDPTransport struct {
	conn    *net.UDPConn
	rawConn syscall.RawConn
	config  TransportConfig

	mutex  sync.RWMutex
	closed bool
}

// NewUDPTransport занимает локальный порт. Ошибки привязки имеют код BindFailure.
func NewUDPTransport(config TransportConfig) (*UDPTransport, error) {
	if config.BufferSize == 0 {
		config.BufferSize = DefaultBufferSize
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, WrapError(ErrorCodeBindFailure, "неверный локальный адрес", err).
			WithContext("addr", config.LocalAddr)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, WrapError(ErrorCodeBindFailure,
			fmt.Sprintf("не удалось занять %s", config.LocalAddr), err).
			WithContext("addr", config.LocalAddr)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, WrapError(ErrorCodeBindFailure, "не удалось получить дескриптор сокета", err)
	}

	transport := &UDPTransport{
		conn:    conn,
		rawConn: rawConn,
		config:  config,
	}

	// Опции сокета не критичны: при ошибке работаем с настройками по умолчанию
	if config.VoiceSocketOptions || config.DSCP > 0 {
		_ = transport.applySocketOptions()
	}

	return transport, nil
}

func (t *UDPTransport) applySocketOptions() error {
	var optErr error
	err := t.rawConn.Control(func(fd uintptr) {
		if t.config.VoiceSocketOptions {
			if err := setSockOptBuffers(fd, t.config.BufferSize); err != nil {
				optErr = err
			}
			setSockOptVoicePriority(fd)
		}
		if t.config.DSCP > 0 {
			if err := setSockOptDSCP(fd, t.config.DSCP); err != nil && optErr == nil {
				optErr = err
			}
		}
	})
	if err != nil {
		return err
	}
	return optErr
}

// SendTo отправляет датаграмму без ожидания
func (t *UDPTransport) SendTo(data []byte, addr *net.UDPAddr) error {
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("размер датаграммы %d превышает %d", len(data), MaxDatagramSize)
	}

	t.mutex.RLock()
	closed := t.closed
	t.mutex.RUnlock()
	if closed {
		return classifyNetworkError("send", net.ErrClosed)
	}

	n, err := t.conn.WriteToUDP(data, addr)
	if err != nil {
		return classifyNetworkError("send", err)
	}
	if n != len(data) {
		return fmt.Errorf("отправлено %d из %d байт", n, len(data))
	}
	return nil
}

// ReadNonBlocking читает одну датаграмму, если она уже в сокете
func (t *UDPTransport) ReadNonBlocking(buf []byte) (int, net.Addr, error) {
	t.mutex.RLock()
	closed := t.closed
	t.mutex.RUnlock()
	if closed {
		return 0, nil, classifyNetworkError("receive", net.ErrClosed)
	}

	n, addr, err := t.readNonBlocking(buf)
	if err != nil {
		if err == ErrNoData {
			return 0, nil, err
		}
		return 0, nil, classifyNetworkError("receive", err)
	}
	return n, addr, nil
}

// WaitReadable блокируется до появления датаграммы или до deadline.
// Датаграмма остается в сокете. Вызывается из того же потока, что и ReadNonBlocking.
func (t *UDPTransport) WaitReadable(deadline time.Time) error {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return classifyNetworkError("wait", err)
	}
	defer t.conn.SetReadDeadline(time.Time{})

	return classifyNetworkError("wait", t.waitReadable())
}

// SetWriteDeadline ограничивает время отправки
func (t *UDPTransport) SetWriteDeadline(deadline time.Time) error {
	return t.conn.SetWriteDeadline(deadline)
}

// LocalAddr возвращает локальный адрес
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close закрывает сокет. Повторный вызов безопасен.
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// IsActive проверяет, открыт ли транспорт
func (t *UDPTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return !t.closed
}

var (
	_ Transport       = (*UDPTransport)(nil)
	_ ReadinessWaiter = (*UDPTransport)(nil)
	_ WriteDeadliner  = (*UDPTransport)(nil)
)
