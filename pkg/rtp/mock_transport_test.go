package rtp

import (
	"errors"
	"net"
	"sync"
)

// sentDatagram - запись об отправке через MockTransport
type sentDatagram struct {
	Data []byte
	Addr *net.UDPAddr
}

type inboundDatagram struct {
	Data []byte
	From net.Addr
}

// MockTransport имитирует транспорт для unit тестов
type MockTransport struct {
	mutex     sync.Mutex
	sent      []sentDatagram
	inbound   []inboundDatagram
	failFor   map[string]error
	localAddr *net.UDPAddr
	closed    bool
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		failFor:   make(map[string]error),
		localAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5004},
	}
}

func (mt *MockTransport) SendTo(data []byte, addr *net.UDPAddr) error {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	if mt.closed {
		return net.ErrClosed
	}
	if err, ok := mt.failFor[addr.String()]; ok {
		return err
	}
	mt.sent = append(mt.sent, sentDatagram{Data: append([]byte(nil), data...), Addr: addr})
	return nil
}

func (mt *MockTransport) ReadNonBlocking(buf []byte) (int, net.Addr, error) {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	if mt.closed {
		return 0, nil, net.ErrClosed
	}
	if len(mt.inbound) == 0 {
		return 0, nil, ErrNoData
	}
	d := mt.inbound[0]
	mt.inbound = mt.inbound[1:]
	return copy(buf, d.Data), d.From, nil
}

func (mt *MockTransport) LocalAddr() net.Addr {
	return mt.localAddr
}

func (mt *MockTransport) Close() error {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	mt.closed = true
	return nil
}

// FailFor заставляет отправку на addr завершаться ошибкой
func (mt *MockTransport) FailFor(addr *net.UDPAddr) {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	mt.failFor[addr.String()] = errors.New("connection refused")
}

// Heal отменяет FailFor
func (mt *MockTransport) Heal(addr *net.UDPAddr) {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	delete(mt.failFor, addr.String())
}

// SimulateReceive кладет датаграмму во входящую очередь
func (mt *MockTransport) SimulateReceive(data []byte, from net.Addr) {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	mt.inbound = append(mt.inbound, inboundDatagram{Data: append([]byte(nil), data...), From: from})
}

func (mt *MockTransport) Sent() []sentDatagram {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	result := make([]sentDatagram, len(mt.sent))
	copy(result, mt.sent)
	return result
}

func (mt *MockTransport) ClearSent() {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	mt.sent = nil
}
