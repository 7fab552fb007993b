package rtp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"slices"
	"testing"
	"testing/iotest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSession(t *testing.T, mutate func(*SessionConfig)) (*Session, *MockTransport) {
	t.Helper()
	transport := NewMockTransport()
	config := SessionConfig{
		Transport:   transport,
		ClockRate:   8000,
		PayloadType: PayloadTypeDynamic,
		SSRC:        0x11223344,
	}
	if mutate != nil {
		mutate(&config)
	}
	session, err := NewSession(config)
	require.NoError(t, err)
	return session, transport
}

func newLoopbackSession(t *testing.T) *Session {
	t.Helper()
	session, err := NewSession(SessionConfig{
		LocalAddr:   "127.0.0.1:0",
		ClockRate:   8000,
		PayloadType: PayloadTypeDynamic,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Teardown("test done", 0) })
	return session
}

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestNewSessionValidation(t *testing.T) {
	tests := []struct {
		name   string
		config SessionConfig
	}{
		{"нулевая частота", SessionConfig{Transport: NewMockTransport()}},
		{"payload type вне диапазона", SessionConfig{Transport: NewMockTransport(), ClockRate: 8000, PayloadType: 200}},
		{"отрицательная очередь", SessionConfig{Transport: NewMockTransport(), ClockRate: 8000, MaxQueueDepth: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSession(tt.config)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestNewSessionBindFailure(t *testing.T) {
	first := newLoopbackSession(t)

	_, err := NewSession(SessionConfig{
		LocalAddr: first.LocalAddr().String(),
		ClockRate: 8000,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBindFailure), "ожидался BindFailure: %v", err)
}

func TestSessionRandomInitialState(t *testing.T) {
	a, _ := newMockSession(t, func(c *SessionConfig) { c.SSRC = 0 })
	b, _ := newMockSession(t, func(c *SessionConfig) { c.SSRC = 0 })

	// Совпадение двух случайных значений практически невозможно
	same := a.SSRC() == b.SSRC() && a.NextSequence() == b.NextSequence()
	assert.False(t, same)
	assert.Zero(t, a.NextTimestamp())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, SessionStateCreated, a.State())
}

func TestSessionSequenceWrap(t *testing.T) {
	session, _ := newMockSession(t, nil)

	s0 := session.NextSequence()
	t0 := session.NextTimestamp()
	for i := 0; i < 65536; i++ {
		require.NoError(t, session.Send(nil, 1, PayloadTypeDynamic, false))
	}

	assert.Equal(t, s0, session.NextSequence(), "sequence number возвращается к начальному")
	assert.Equal(t, t0+65536, session.NextTimestamp())
}

func TestSessionTimestampAdvance(t *testing.T) {
	session, transport := newMockSession(t, nil)
	dst := udpAddr(6000)
	require.NoError(t, session.AddDestination(dst))

	t0 := session.NextTimestamp()
	s0 := session.NextSequence()
	frames := []uint32{160, 80, 320, 0, 160}
	for _, f := range frames {
		require.NoError(t, session.SendFrame(make([]byte, 2*f), f, false))
	}

	sent := transport.Sent()
	require.Len(t, sent, len(frames))

	expectedTS := t0
	for i, d := range sent {
		pkt, err := Decode(d.Data)
		require.NoError(t, err)
		assert.Equal(t, expectedTS, pkt.Timestamp)
		assert.Equal(t, s0+uint16(i), pkt.SequenceNumber)
		assert.Equal(t, session.SSRC(), pkt.SSRC)
		expectedTS += frames[i]
	}
	assert.Equal(t, expectedTS, session.NextTimestamp())
}

func TestSessionFanOut(t *testing.T) {
	session, transport := newMockSession(t, nil)
	dstA, dstB := udpAddr(6000), udpAddr(6002)

	require.NoError(t, session.AddDestination(dstA))
	require.NoError(t, session.AddDestination(dstB))
	require.NoError(t, session.AddDestination(udpAddr(6000)), "дубликат игнорируется")
	assert.Len(t, session.Destinations(), 2)

	require.NoError(t, session.Send([]byte{1, 2, 3, 4}, 2, PayloadTypeDynamic, true))

	sent := transport.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, dstA.String(), sent[0].Addr.String())
	assert.Equal(t, dstB.String(), sent[1].Addr.String())
	assert.True(t, bytes.Equal(sent[0].Data, sent[1].Data), "все адресаты получают одинаковые байты")

	assert.True(t, session.RemoveDestination(dstA))
	assert.False(t, session.RemoveDestination(dstA))
	assert.Len(t, session.Destinations(), 1)
}

func TestSessionAddDestinationInvalid(t *testing.T) {
	session, _ := newMockSession(t, nil)
	assert.Error(t, session.AddDestination(nil))
	assert.Error(t, session.AddDestination(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}))
}

func TestSessionPartialSendFailure(t *testing.T) {
	session, transport := newMockSession(t, nil)
	good, bad := udpAddr(6000), udpAddr(6002)
	require.NoError(t, session.AddDestination(good))
	require.NoError(t, session.AddDestination(bad))
	transport.FailFor(bad)

	s0 := session.NextSequence()
	err := session.Send([]byte{0, 0}, 1, PayloadTypeDynamic, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSendFailure))

	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	require.Len(t, sendErr.FailedAddrs(), 1)
	assert.Equal(t, bad.String(), sendErr.FailedAddrs()[0].String())
	assert.Equal(t, 1, sendErr.Delivered)

	assert.Equal(t, s0+1, session.NextSequence(), "частичная доставка продвигает счетчики")
	assert.Len(t, transport.Sent(), 1)
	assert.Equal(t, uint64(1), session.Stats().SendFailures)
}

func TestSessionSendFailureThenRecovery(t *testing.T) {
	session, transport := newMockSession(t, nil)
	dst := udpAddr(6000)
	require.NoError(t, session.AddDestination(dst))
	transport.FailFor(dst)

	s0 := session.NextSequence()
	t0 := session.NextTimestamp()

	err := session.Send([]byte{1, 2}, 1, PayloadTypeDynamic, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSendFailure))
	assert.Equal(t, s0, session.NextSequence(), "без доставки счетчики не меняются")
	assert.Equal(t, t0, session.NextTimestamp())

	transport.Heal(dst)
	require.NoError(t, session.Send([]byte{1, 2}, 1, PayloadTypeDynamic, false))

	sent := transport.Sent()
	require.Len(t, sent, 1)
	pkt, err := Decode(sent[0].Data)
	require.NoError(t, err)
	assert.Equal(t, s0, pkt.SequenceNumber)
	assert.Equal(t, t0, pkt.Timestamp)
}

func TestSessionPollDemux(t *testing.T) {
	session, transport := newMockSession(t, nil)
	from := udpAddr(7000)

	for i := uint16(0); i < 3; i++ {
		for _, ssrc := range []uint32{0xA, 0xB} {
			data, err := Encode(HeaderFields{PayloadType: 96, SequenceNumber: i, Timestamp: uint32(i) * 160, SSRC: ssrc}, []byte{byte(i), 0})
			require.NoError(t, err)
			transport.SimulateReceive(data, from)
		}
	}
	transport.SimulateReceive([]byte{0x80, 0x60, 0x00}, from)

	require.NoError(t, session.PollOnce())
	assert.Equal(t, SessionStateActive, session.State())

	ready := slices.Collect(session.SourcesWithData())
	assert.Equal(t, []uint32{0xA, 0xB}, ready)

	for _, ssrc := range ready {
		packets := session.TakePackets(ssrc)
		require.Len(t, packets, 3)
		for i, pkt := range packets {
			assert.Equal(t, ssrc, pkt.SSRC)
			assert.Equal(t, uint16(i), pkt.SequenceNumber)
			assert.Equal(t, from.String(), pkt.From.String())
			assert.False(t, pkt.ReceivedAt.IsZero())
		}
	}
	assert.Empty(t, slices.Collect(session.SourcesWithData()))

	stats := session.Stats()
	assert.Equal(t, uint64(6), stats.PacketsReceived)
	assert.Equal(t, uint64(1), stats.MalformedPackets)
	assert.Len(t, session.Sources(), 2)
}

func TestSessionPollRespectsLimit(t *testing.T) {
	session, transport := newMockSession(t, func(c *SessionConfig) { c.MaxDatagramsPerPoll = 2 })

	for i := uint16(0); i < 5; i++ {
		data, err := Encode(HeaderFields{PayloadType: 96, SequenceNumber: i, SSRC: 1}, nil)
		require.NoError(t, err)
		transport.SimulateReceive(data, udpAddr(7000))
	}

	require.NoError(t, session.PollOnce())
	assert.Len(t, session.TakePackets(1), 2)
	require.NoError(t, session.PollOnce())
	require.NoError(t, session.PollOnce())
	assert.Len(t, session.TakePackets(1), 3)
}

func TestSessionOwnPackets(t *testing.T) {
	own, err := Encode(HeaderFields{PayloadType: 96, SSRC: 0x11223344}, []byte{1, 2})
	require.NoError(t, err)

	accepting, transport := newMockSession(t, nil)
	transport.SimulateReceive(own, udpAddr(7000))
	require.NoError(t, accepting.PollOnce())
	assert.Len(t, accepting.TakePackets(0x11223344), 1, "петля на себя принимается по умолчанию")

	dropping, transport := newMockSession(t, func(c *SessionConfig) { c.DropOwnPackets = true })
	transport.SimulateReceive(own, udpAddr(7000))
	require.NoError(t, dropping.PollOnce())
	assert.Empty(t, dropping.TakePackets(0x11223344))
	assert.Equal(t, uint64(1), dropping.Stats().OwnPackets)
}

func TestSessionReceivesBye(t *testing.T) {
	session, transport := newMockSession(t, nil)
	from := udpAddr(7000)

	data, err := Encode(HeaderFields{PayloadType: 96, SSRC: 0xBEEF}, []byte{0, 0})
	require.NoError(t, err)
	transport.SimulateReceive(data, from)

	bye, err := EncodeBye(0xBEEF, "remote", "Session ended")
	require.NoError(t, err)
	transport.SimulateReceive(bye, from)

	require.NoError(t, session.PollOnce())

	sources := session.Sources()
	require.Len(t, sources, 1)
	assert.True(t, sources[0].ByeReceived)
	assert.Equal(t, "Session ended", sources[0].ByeReason)
	assert.Equal(t, 1, sources[0].Queued, "BYE не удаляет очередь")
	assert.Equal(t, uint64(1), session.Stats().ByeReceived)
}

func TestSessionTeardown(t *testing.T) {
	session, transport := newMockSession(t, func(c *SessionConfig) { c.CNAME = "test@bridge" })
	dst := udpAddr(6000)
	require.NoError(t, session.AddDestination(dst))

	require.NoError(t, session.Teardown("Session ended", 100*time.Millisecond))
	assert.Equal(t, SessionStateClosed, session.State())

	sent := transport.Sent()
	require.Len(t, sent, 1)
	assert.True(t, IsRTCP(sent[0].Data))
	notices, err := ParseByes(sent[0].Data)
	require.NoError(t, err)
	assert.Equal(t, []ByeNotice{{SSRC: session.SSRC(), Reason: "Session ended"}}, notices)

	transport.ClearSent()

	err = session.Send([]byte{1, 2}, 1, PayloadTypeDynamic, false)
	assert.True(t, errors.Is(err, ErrSessionClosed))
	assert.Empty(t, transport.Sent(), "после teardown ничего не отправляется")

	assert.True(t, errors.Is(session.PollOnce(), ErrSessionClosed))
	assert.True(t, errors.Is(session.Teardown("again", 0), ErrSessionClosed))
	assert.True(t, errors.Is(session.AddDestination(dst), ErrSessionClosed))
	assert.True(t, errors.Is(session.WaitReadable(context.Background(), time.Millisecond), ErrSessionClosed))
}

func TestSessionMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	session, transport := newMockSession(t, func(c *SessionConfig) { c.Metrics = metrics })
	require.NoError(t, session.AddDestination(udpAddr(6000)))

	require.NoError(t, session.Send(make([]byte, 320), 160, PayloadTypeDynamic, true))
	transport.SimulateReceive([]byte{1, 2, 3}, udpAddr(7000))
	require.NoError(t, session.PollOnce())
	require.NoError(t, session.Teardown("", 0))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.packetsSent))
	assert.Equal(t, float64(HeaderSize+320), testutil.ToFloat64(metrics.bytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.packetsDropped.WithLabelValues(dropReasonMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stateTransitions.WithLabelValues("created", "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stateTransitions.WithLabelValues("active", "closed")))
}

func TestSessionLoopback(t *testing.T) {
	a := newLoopbackSession(t)
	b := newLoopbackSession(t)
	require.NoError(t, a.AddDestination(b.LocalAddr().(*net.UDPAddr)))

	s0 := a.NextSequence()
	t0 := a.NextTimestamp()
	payload := bytes.Repeat([]byte{0x10, 0x20}, 80)
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(payload, 160, PayloadTypeDynamic, i == 0))
	}

	var received []*Packet
	require.Eventually(t, func() bool {
		if err := b.PollOnce(); err != nil {
			return false
		}
		for ssrc := range b.SourcesWithData() {
			received = append(received, b.TakePackets(ssrc)...)
		}
		return len(received) >= 10
	}, 2*time.Second, 5*time.Millisecond)

	require.Len(t, received, 10)
	for i, pkt := range received {
		assert.Equal(t, a.SSRC(), pkt.SSRC)
		assert.Equal(t, s0+uint16(i), pkt.SequenceNumber)
		assert.Equal(t, t0+uint32(i)*160, pkt.Timestamp)
		assert.Equal(t, payload, pkt.Payload)
		assert.Equal(t, i == 0, pkt.Marker)
	}
}

func TestSessionLoopbackBye(t *testing.T) {
	a, err := NewSession(SessionConfig{LocalAddr: "127.0.0.1:0", ClockRate: 8000})
	require.NoError(t, err)
	b := newLoopbackSession(t)
	require.NoError(t, a.AddDestination(b.LocalAddr().(*net.UDPAddr)))

	require.NoError(t, a.Send([]byte{0, 0}, 1, PayloadTypeDynamic, false))
	require.NoError(t, a.Teardown("Session ended", 50*time.Millisecond))

	require.Eventually(t, func() bool {
		if err := b.PollOnce(); err != nil {
			return false
		}
		sources := b.Sources()
		return len(sources) == 1 && sources[0].ByeReceived
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionWaitReadable(t *testing.T) {
	a := newLoopbackSession(t)
	b := newLoopbackSession(t)
	require.NoError(t, a.AddDestination(b.LocalAddr().(*net.UDPAddr)))

	start := time.Now()
	require.NoError(t, b.WaitReadable(context.Background(), 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "без данных ожидание длится до таймаута")

	// После таймаута неблокирующее чтение продолжает работать
	require.NoError(t, b.PollOnce())

	require.NoError(t, a.Send([]byte{1, 2}, 1, PayloadTypeDynamic, false))
	require.NoError(t, b.WaitReadable(context.Background(), 2*time.Second))
	require.Eventually(t, func() bool {
		if err := b.PollOnce(); err != nil {
			return false
		}
		return len(slices.Collect(b.SourcesWithData())) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.WaitReadable(ctx, time.Second), context.Canceled)
}

func TestSessionTimestampWrap(t *testing.T) {
	session, transport := newMockSession(t, func(c *SessionConfig) { c.InitialTimestamp = 0xFFFFFF00 })
	require.NoError(t, session.AddDestination(udpAddr(6000)))

	require.NoError(t, session.Send(make([]byte, 320), 160, PayloadTypeDynamic, false))
	require.NoError(t, session.Send(make([]byte, 320), 160, PayloadTypeDynamic, false))

	sent := transport.Sent()
	require.Len(t, sent, 2)
	second, err := Decode(sent[1].Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFFFA0), second.Timestamp)
	assert.Equal(t, uint32(0x40), session.NextTimestamp(), "timestamp идет по модулю 2^32")
}

func TestSessionWaitReadableWithQueuedData(t *testing.T) {
	a := newLoopbackSession(t)
	b := newLoopbackSession(t)
	require.NoError(t, a.AddDestination(b.LocalAddr().(*net.UDPAddr)))

	require.NoError(t, a.Send([]byte{1, 2}, 1, PayloadTypeDynamic, false))
	// Датаграмма успевает лечь в сокет до начала ожидания
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, b.WaitReadable(context.Background(), 2*time.Second))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "готовые данные должны будить ожидание сразу")

	// Ожидание не извлекает датаграмму
	require.NoError(t, b.PollOnce())
	assert.Equal(t, []uint32{a.SSRC()}, slices.Collect(b.SourcesWithData()))
}

func TestSessionPollDropsOversizedDatagram(t *testing.T) {
	session := newLoopbackSession(t)
	conn, err := net.DialUDP("udp", nil, session.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	oversized, err := Encode(HeaderFields{PayloadType: 96, SequenceNumber: 1, SSRC: 0xBAD}, make([]byte, 2000))
	require.NoError(t, err)
	require.Len(t, oversized, 2012)
	valid, err := Encode(HeaderFields{PayloadType: 96, SequenceNumber: 2, SSRC: 0xCAFE}, []byte{1, 2})
	require.NoError(t, err)

	_, err = conn.Write(oversized)
	require.NoError(t, err)
	_, err = conn.Write(valid)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		if err := session.PollOnce(); err != nil {
			return false
		}
		return session.Stats().PacketsReceived == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []uint32{0xCAFE}, slices.Collect(session.SourcesWithData()), "обрезанная датаграмма не доходит до очередей")
	assert.Equal(t, uint64(1), session.Stats().MalformedPackets)
}

func TestNewSessionRandomFailure(t *testing.T) {
	saved := randomSource
	randomSource = iotest.ErrReader(errors.New("нет энтропии"))
	t.Cleanup(func() { randomSource = saved })

	transport := NewMockTransport()
	_, err := NewSession(SessionConfig{Transport: transport, ClockRate: 8000, SSRC: 0x11223344})
	require.Error(t, err)

	transport.mutex.Lock()
	defer transport.mutex.Unlock()
	assert.True(t, transport.closed, "транспорт освобождается при ошибке")
}
