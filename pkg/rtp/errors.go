package rtp

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCode определяет типизированные коды ошибок RTP слоя.
type ErrorCode int

const (
	// ErrorCodeBindFailure - локальный порт не удалось занять
	ErrorCodeBindFailure ErrorCode = iota + 2000
	// ErrorCodeMalformedPacket - входящая датаграмма не является корректным RTP v2 пакетом
	ErrorCodeMalformedPacket
	// ErrorCodeMalformedPayload - payload не может быть интерпретирован как PCM
	ErrorCodeMalformedPayload
	// ErrorCodeSendFailure - отправка на один или несколько адресов не удалась
	ErrorCodeSendFailure
	// ErrorCodeSessionClosed - операция над уже закрытой сессией
	ErrorCodeSessionClosed
	// ErrorCodeInvalidConfig - некорректная конфигурация сессии или транспорта
	ErrorCodeInvalidConfig
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeBindFailure:
		return "BindFailure"
	case ErrorCodeMalformedPacket:
		return "MalformedPacket"
	case ErrorCodeMalformedPayload:
		return "MalformedPayload"
	case ErrorCodeSendFailure:
		return "SendFailure"
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error - базовая ошибка RTP слоя с кодом и контекстом.
// Сравнение через errors.Is выполняется по коду, поэтому
// errors.Is(err, ErrSessionClosed) истинно для любой ошибки с кодом SessionClosed.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]interface{}
	Wrapped error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Wrapped != nil {
		b.WriteString(": ")
		b.WriteString(e.Wrapped.Error())
	}
	return b.String()
}

// Unwrap возвращает обернутую ошибку
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithContext добавляет значение в контекст ошибки и возвращает ее же
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// GetContext возвращает значение из контекста ошибки
func (e *Error) GetContext(key string) (interface{}, bool) {
	if e.Context == nil {
		return nil, false
	}
	v, ok := e.Context[key]
	return v, ok
}

// NewError создает ошибку с кодом
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError оборачивает ошибку с указанием кода
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Wrapped: err}
}

// HasErrorCode проверяет, содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code ErrorCode) bool {
	return errors.Is(err, &Error{Code: code})
}

// Сентинелы для errors.Is.
var (
	ErrBindFailure      = NewError(ErrorCodeBindFailure, "")
	ErrMalformedPacket  = NewError(ErrorCodeMalformedPacket, "")
	ErrMalformedPayload = NewError(ErrorCodeMalformedPayload, "")
	ErrSendFailure      = NewError(ErrorCodeSendFailure, "")
	ErrSessionClosed    = NewError(ErrorCodeSessionClosed, "")
	ErrInvalidConfig    = NewError(ErrorCodeInvalidConfig, "")
)

// DestinationError описывает неудачную отправку на конкретный адрес
type DestinationError struct {
	Addr *net.UDPAddr
	Err  error
}

// SendError возвращается Send, если хотя бы один адрес не получил пакет.
// Остальные адреса пакет получили.
type SendError struct {
	Failed    []DestinationError
	Delivered int
}

func (e *SendError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Addr, f.Err))
	}
	return fmt.Sprintf("SendFailure: %d из %d адресов недоступны (%s)",
		len(e.Failed), len(e.Failed)+e.Delivered, strings.Join(parts, "; "))
}

// Is позволяет проверять SendError через errors.Is(err, ErrSendFailure)
func (e *SendError) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == ErrorCodeSendFailure
	}
	return false
}

// Unwrap возвращает ошибки всех неудачных адресов
func (e *SendError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// FailedAddrs возвращает список адресов, на которые отправка не удалась
func (e *SendError) FailedAddrs() []*net.UDPAddr {
	addrs := make([]*net.UDPAddr, 0, len(e.Failed))
	for _, f := range e.Failed {
		addrs = append(addrs, f.Addr)
	}
	return addrs
}
