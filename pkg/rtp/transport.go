package rtp

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrNoData возвращается ReadNonBlocking, когда в сокете нет датаграмм
var ErrNoData = errors.New("нет входящих данных")

// ErrWaitUnsupported возвращается WaitReadable, если транспорт не умеет ждать готовности
var ErrWaitUnsupported = errors.New("ожидание готовности не поддерживается")

// Transport - датаграммный транспорт RTP сессии.
// Отправка и чтение не блокируются; сессия сама решает, когда опрашивать сокет.
type Transport interface {
	// SendTo отправляет датаграмму на указанный адрес
	SendTo(data []byte, addr *net.UDPAddr) error

	// ReadNonBlocking читает одну датаграмму или возвращает ErrNoData
	ReadNonBlocking(buf []byte) (int, net.Addr, error)

	// LocalAddr возвращает локальный адрес транспорта
	LocalAddr() net.Addr

	// Close закрывает транспорт и освобождает порт
	Close() error
}

// ReadinessWaiter реализуется транспортами, которые умеют блокирующе ждать
// входящую датаграмму без ее чтения.
type ReadinessWaiter interface {
	// WaitReadable возвращает nil, когда есть данные, или ошибку таймаута по deadline
	WaitReadable(deadline time.Time) error
}

// WriteDeadliner реализуется транспортами с ограничением времени записи
type WriteDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Общие константы транспорта
const (
	// DefaultBufferSize размер буфера чтения (MTU Ethernet)
	DefaultBufferSize = MaxDatagramSize

	// VoiceOptimizedRecvBuffer размер буфера ядра на прием.
	// 64KB вмещают около 3 секунд L16 8kHz при 20ms пакетах
	VoiceOptimizedRecvBuffer = 65535

	// VoiceOptimizedSendBuffer размер буфера ядра на отправку
	VoiceOptimizedSendBuffer = 65535

	// DSCP значения для QoS классификации трафика согласно RFC 4594
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPBestEffort          = 0
)

// TransportConfig - конфигурация UDP транспорта
type TransportConfig struct {
	LocalAddr  string // Локальный адрес для привязки, например ":5000"
	BufferSize int    // Размер буфера для чтения
	DSCP       int    // DSCP маркировка, 0 - без маркировки
	// VoiceSocketOptions включает SO_PRIORITY и увеличенные буферы ядра
	VoiceSocketOptions bool
}

// DefaultTransportConfig возвращает конфигурацию по умолчанию
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BufferSize:         DefaultBufferSize,
		DSCP:               DSCPExpeditedForwarding,
		VoiceSocketOptions: true,
	}
}

// Validate проверяет конфигурацию транспорта
func (c TransportConfig) Validate() error {
	if c.LocalAddr == "" {
		return NewError(ErrorCodeInvalidConfig, "локальный адрес обязателен")
	}
	if c.BufferSize < HeaderSize {
		return NewError(ErrorCodeInvalidConfig,
			fmt.Sprintf("размер буфера %d меньше заголовка RTP", c.BufferSize))
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return NewError(ErrorCodeInvalidConfig,
			fmt.Sprintf("DSCP должен быть в диапазоне 0-63, получен %d", c.DSCP))
	}
	return nil
}

// NetworkErrorType - тип сетевой ошибки
type NetworkErrorType int

const (
	ErrorTypeUnknown NetworkErrorType = iota
	ErrorTypeTimeout
	ErrorTypeTemporary
	ErrorTypeConnection
	ErrorTypeClosed
	ErrorTypePermanent
)

// String возвращает имя типа ошибки
func (t NetworkErrorType) String() string {
	switch t {
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeTemporary:
		return "temporary"
	case ErrorTypeConnection:
		return "connection"
	case ErrorTypeClosed:
		return "closed"
	case ErrorTypePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ClassifiedError - сетевая ошибка с классификацией
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Operation, e.Type, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// classifyNetworkError классифицирует ошибку сокета
func classifyNetworkError(operation string, err error) error {
	if err == nil {
		return nil
	}

	classified := &ClassifiedError{
		Operation: operation,
		Err:       err,
	}

	var netErr net.Error
	switch {
	case errors.Is(err, net.ErrClosed):
		classified.Type = ErrorTypeClosed
	case errors.As(err, &netErr) && netErr.Timeout():
		classified.Type = ErrorTypeTimeout
		classified.Retryable = true
	case isConnectionError(err):
		classified.Type = ErrorTypeConnection
		classified.Retryable = true
	case errors.Is(err, syscall.ENOBUFS) || errors.Is(err, syscall.EAGAIN):
		classified.Type = ErrorTypeTemporary
		classified.Retryable = true
	case isPermanentError(err):
		classified.Type = ErrorTypePermanent
	default:
		classified.Type = ErrorTypeUnknown
	}

	return classified
}

// IsTimeout сообщает, является ли ошибка таймаутом ожидания
func IsTimeout(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type == ErrorTypeTimeout
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		containsAny(err.Error(), []string{"connection refused", "no route to host", "network is unreachable"})
}

func isPermanentError(err error) bool {
	return errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EADDRNOTAVAIL) ||
		containsAny(err.Error(), []string{"permission denied", "invalid argument", "message too long"})
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
