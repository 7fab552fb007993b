// Package rtp реализует RTP сессию для передачи несжатого аудио.
// Based on RFC 3550 (RTP), RFC 3551 (RTP A/V Profile) and RFC 5761 (RTP/RTCP mux)
//
// Сессия владеет одним UDP портом, набором адресатов и таблицей удаленных источников.
// Работа с сетью не блокируется: отправка выполняется сразу, прием - явным опросом PollOnce.
// Все операции сессии сериализуются одним мьютексом, поэтому отправка и прием
// могут выполняться из разных горутин.
package rtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Значения по умолчанию
const (
	DefaultMaxDatagramsPerPoll = 64
)

// SessionConfig - конфигурация RTP сессии
type SessionConfig struct {
	// Transport - готовый транспорт. Если nil, сессия сама занимает LocalAddr по UDP
	Transport Transport
	// LocalAddr - локальный адрес, например ":5000". Используется без Transport
	LocalAddr string

	ClockRate   uint32      // Частота тактирования (Hz), обязательна
	PayloadType PayloadType // Тип payload для SendFrame
	CNAME       string      // CNAME для RTCP SDES; по умолчанию генерируется

	// SSRC задает собственный идентификатор; 0 - случайный
	SSRC uint32

	// InitialTimestamp - начальное значение timestamp
	InitialTimestamp uint32

	MaxQueueDepth       int           // Предел очереди источника, 0 - без предела
	SourceIdleTimeout   time.Duration // Удаление простаивающих источников, 0 - никогда
	MaxDatagramsPerPoll int           // Предел датаграмм за один PollOnce

	// DropOwnPackets отбрасывает входящие пакеты с собственным SSRC (петля на себя)
	DropOwnPackets bool

	Logger  logrus.FieldLogger
	Metrics *Metrics
}

// SessionStatistics - счетчики сессии
type SessionStatistics struct {
	PacketsSent      uint64 // Логические отправки, дошедшие хотя бы до одного адресата
	BytesSent        uint64 // Байт по всем адресатам
	SendFailures     uint64 // Неудачи по отдельным адресатам
	PacketsReceived  uint64
	BytesReceived    uint64
	MalformedPackets uint64
	OwnPackets       uint64
	QueueOverflows   uint64
	ByeReceived      uint64
	LastActivity     time.Time
}

// Session - RTP сессия на одном локальном порту
type Session struct {
	mutex sync.Mutex

	id        string
	ssrc      uint32
	sequence  uint16
	timestamp uint32
	clockRate uint32
	payload   PayloadType
	cname     string

	transport    Transport
	destinations []*net.UDPAddr
	sources      *SourceTable
	state        *fsm.FSM

	dropOwn    bool
	maxPerPoll int
	recvBuffer []byte
	stats      SessionStatistics
	metrics    *Metrics
	logger     logrus.FieldLogger
}

// NewSession создает сессию и занимает локальный порт.
// Начальные SSRC и sequence number выбираются случайно (RFC 3550 5.1),
// timestamp начинается с InitialTimestamp.
func NewSession(config SessionConfig) (*Session, error) {
	if config.ClockRate == 0 {
		return nil, NewError(ErrorCodeInvalidConfig, "частота тактирования должна быть больше 0")
	}
	if config.PayloadType > MaxPayloadType {
		return nil, NewError(ErrorCodeInvalidConfig,
			fmt.Sprintf("payload type %d вне диапазона 0..%d", config.PayloadType, MaxPayloadType))
	}
	if config.MaxQueueDepth < 0 {
		return nil, NewError(ErrorCodeInvalidConfig, "предел очереди не может быть отрицательным")
	}

	logger := config.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}

	transport := config.Transport
	if transport == nil {
		tc := DefaultTransportConfig()
		tc.LocalAddr = config.LocalAddr
		udp, err := NewUDPTransport(tc)
		if err != nil {
			return nil, err
		}
		transport = udp
	}

	ssrc := config.SSRC
	if ssrc == 0 {
		var err error
		if ssrc, err = generateSSRC(); err != nil {
			transport.Close()
			return nil, fmt.Errorf("ошибка генерации SSRC: %w", err)
		}
	}

	sequence, err := generateRandomUint16()
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("ошибка генерации sequence number: %w", err)
	}

	id := uuid.NewString()
	cname := config.CNAME
	if cname == "" {
		cname = "rtpbridge-" + id[:8]
	}

	maxPerPoll := config.MaxDatagramsPerPoll
	if maxPerPoll <= 0 {
		maxPerPoll = DefaultMaxDatagramsPerPoll
	}

	logger = logger.WithFields(logrus.Fields{
		"session": id[:8],
		"ssrc":    fmt.Sprintf("0x%08X", ssrc),
	})

	s := &Session{
		id:         id,
		ssrc:       ssrc,
		sequence:   sequence,
		timestamp:  config.InitialTimestamp,
		clockRate:  config.ClockRate,
		payload:    config.PayloadType,
		cname:      cname,
		transport:  transport,
		sources:    NewSourceTable(config.MaxQueueDepth, config.SourceIdleTimeout),
		state:      newSessionFSM(logger, config.Metrics),
		dropOwn:    config.DropOwnPackets,
		maxPerPoll: maxPerPoll,
		recvBuffer: make([]byte, MaxDatagramSize+1),
		metrics:    config.Metrics,
		logger:     logger,
	}

	s.sources.SetCallbacks(
		func(ssrc uint32) {
			s.logger.WithField("remote_ssrc", fmt.Sprintf("0x%08X", ssrc)).Info("Новый удаленный источник")
		},
		func(ssrc uint32) {
			s.logger.WithField("remote_ssrc", fmt.Sprintf("0x%08X", ssrc)).Debug("Удаленный источник удален")
		},
	)

	s.logger.WithField("local", transport.LocalAddr()).Info("RTP сессия создана")
	return s, nil
}

// ID возвращает уникальный идентификатор сессии
func (s *Session) ID() string {
	return s.id
}

// SSRC возвращает собственный SSRC сессии
func (s *Session) SSRC() uint32 {
	return s.ssrc
}

// CNAME возвращает канонический идентификатор для RTCP SDES
func (s *Session) CNAME() string {
	return s.cname
}

// ClockRate возвращает частоту тактирования
func (s *Session) ClockRate() uint32 {
	return s.clockRate
}

// LocalAddr возвращает локальный адрес сессии
func (s *Session) LocalAddr() net.Addr {
	return s.transport.LocalAddr()
}

// State возвращает текущее состояние
func (s *Session) State() SessionState {
	return parseSessionState(s.state.Current())
}

// NextSequence возвращает sequence number, который получит следующий пакет
func (s *Session) NextSequence() uint16 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.sequence
}

// NextTimestamp возвращает timestamp следующего пакета
func (s *Session) NextTimestamp() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.timestamp
}

// AddDestination добавляет адресата. Повторное добавление игнорируется.
func (s *Session) AddDestination(addr *net.UDPAddr) error {
	if addr == nil || addr.IP == nil || addr.Port <= 0 || addr.Port > 65535 {
		return NewError(ErrorCodeInvalidConfig, fmt.Sprintf("некорректный адрес назначения %v", addr))
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isClosedLocked() {
		return ErrSessionClosed
	}
	if s.indexOfDestinationLocked(addr) >= 0 {
		return nil
	}
	s.destinations = append(s.destinations, cloneUDPAddr(addr))
	s.logger.WithField("destination", addr.String()).Info("Добавлен адресат")
	return nil
}

// RemoveDestination удаляет адресата. Возвращает false, если его не было.
func (s *Session) RemoveDestination(addr *net.UDPAddr) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	i := s.indexOfDestinationLocked(addr)
	if i < 0 {
		return false
	}
	s.destinations = slices.Delete(s.destinations, i, i+1)
	s.logger.WithField("destination", addr.String()).Info("Удален адресат")
	return true
}

// Destinations возвращает копию списка адресатов
func (s *Session) Destinations() []*net.UDPAddr {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]*net.UDPAddr, 0, len(s.destinations))
	for _, d := range s.destinations {
		out = append(out, cloneUDPAddr(d))
	}
	return out
}

// Send отправляет payload одним RTP пакетом на всех адресатов.
// Все адресаты получают одинаковые байты. После отправки sequence number
// увеличивается на 1, а timestamp на frames. Если ни один адресат не получил
// пакет, счетчики не меняются и следующий вызов повторит те же номера.
// При частичной неудаче возвращается *SendError (errors.Is(err, ErrSendFailure)).
func (s *Session) Send(payload []byte, frames uint32, pt PayloadType, marker bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.activateLocked(); err != nil {
		return err
	}

	data, err := Encode(HeaderFields{
		PayloadType:    pt,
		Marker:         marker,
		SequenceNumber: s.sequence,
		Timestamp:      s.timestamp,
		SSRC:           s.ssrc,
	}, payload)
	if err != nil {
		return err
	}

	var failed []DestinationError
	delivered := 0
	for _, dst := range s.destinations {
		if err := s.transport.SendTo(data, dst); err != nil {
			failed = append(failed, DestinationError{Addr: cloneUDPAddr(dst), Err: err})
			s.stats.SendFailures++
			s.metrics.sendFailed()
			continue
		}
		delivered++
		s.stats.BytesSent += uint64(len(data))
	}

	if delivered > 0 || len(s.destinations) == 0 {
		s.sequence++
		s.timestamp += frames
		s.stats.PacketsSent++
		s.stats.LastActivity = time.Now()
		s.metrics.packetSent(len(data) * delivered)
	}

	if len(failed) > 0 {
		return &SendError{Failed: failed, Delivered: delivered}
	}
	return nil
}

// SendFrame отправляет payload с типом нагрузки из конфигурации сессии
func (s *Session) SendFrame(payload []byte, frames uint32, marker bool) error {
	return s.Send(payload, frames, s.payload, marker)
}

// AdvanceTimestamp сдвигает timestamp без отправки (пропущенный кадр)
func (s *Session) AdvanceTimestamp(frames uint32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isClosedLocked() {
		return ErrSessionClosed
	}
	s.timestamp += frames
	return nil
}

// PollOnce читает все датаграммы, уже находящиеся в сокете (не более
// MaxDatagramsPerPoll), и раскладывает RTP пакеты по очередям источников.
// Никогда не блокируется. Некорректные датаграммы отбрасываются.
func (s *Session) PollOnce() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.activateLocked(); err != nil {
		return err
	}

	var readErr error
	for i := 0; i < s.maxPerPoll; i++ {
		n, from, err := s.transport.ReadNonBlocking(s.recvBuffer)
		if errors.Is(err, ErrNoData) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		s.handleDatagramLocked(s.recvBuffer[:n], from, time.Now())
	}

	s.sources.Sweep(time.Now())
	s.metrics.setSources(s.sources.Len(), s.sources.Queued())
	return readErr
}

func (s *Session) handleDatagramLocked(data []byte, from net.Addr, now time.Time) {
	// Буфер приема на байт больше допустимого: заполненный буфер значит обрезанную датаграмму
	if len(data) > MaxDatagramSize {
		s.stats.MalformedPackets++
		s.metrics.packetDropped(dropReasonMalformed)
		s.logger.WithError(NewError(ErrorCodeMalformedPacket, "датаграмма больше допустимого размера")).
			WithField("from", from).Debug("Отброшена некорректная датаграмма")
		return
	}

	if IsRTCP(data) {
		s.handleControlLocked(data, from, now)
		return
	}

	pkt, err := Decode(data)
	if err != nil {
		s.stats.MalformedPackets++
		s.metrics.packetDropped(dropReasonMalformed)
		s.logger.WithError(err).WithField("from", from).Debug("Отброшена некорректная датаграмма")
		return
	}

	if pkt.SSRC == s.ssrc && s.dropOwn {
		s.stats.OwnPackets++
		s.metrics.packetDropped(dropReasonOwnSSRC)
		return
	}

	pkt.ReceivedAt = now
	pkt.From = from

	s.stats.PacketsReceived++
	s.stats.BytesReceived += uint64(len(data))
	s.stats.LastActivity = now
	s.metrics.packetReceived(len(data))

	if _, evicted := s.sources.OnPacketReceived(pkt, from, now); evicted {
		s.stats.QueueOverflows++
		s.metrics.packetDropped(dropReasonOverflow)
	}
}

func (s *Session) handleControlLocked(data []byte, from net.Addr, now time.Time) {
	notices, err := ParseByes(data)
	if err != nil {
		s.stats.MalformedPackets++
		s.metrics.packetDropped(dropReasonMalformed)
		s.logger.WithError(err).WithField("from", from).Debug("Отброшен некорректный RTCP пакет")
		return
	}

	for _, bye := range notices {
		if bye.SSRC == s.ssrc {
			continue
		}
		s.stats.ByeReceived++
		s.metrics.bye()
		if s.sources.MarkBye(bye.SSRC, bye.Reason, now) {
			s.logger.WithFields(logrus.Fields{
				"remote_ssrc": fmt.Sprintf("0x%08X", bye.SSRC),
				"reason":      bye.Reason,
			}).Info("Удаленный источник завершил сессию (BYE)")
		}
	}
}

// WaitReadable блокируется до появления входящих данных, не дольше max
// и не дольше дедлайна ctx. Если транспорт не умеет ждать готовности,
// просто выжидает max. Вызывать из той же горутины, что и PollOnce.
func (s *Session) WaitReadable(ctx context.Context, max time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	if s.isClosedLocked() {
		s.mutex.Unlock()
		return ErrSessionClosed
	}
	transport := s.transport
	s.mutex.Unlock()

	deadline := time.Now().Add(max)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if waiter, ok := transport.(ReadinessWaiter); ok {
		err := waiter.WaitReadable(deadline)
		switch {
		case err == nil, IsTimeout(err):
			return ctx.Err()
		case !errors.Is(err, ErrWaitUnsupported):
			return err
		}
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SourcesWithData возвращает SSRC источников с непустыми очередями.
// Набор фиксируется в момент вызова; блокировка при обходе не удерживается.
func (s *Session) SourcesWithData() iter.Seq[uint32] {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.sources.SourcesWithData()
}

// TakePackets забирает все пакеты источника в порядке поступления
func (s *Session) TakePackets(ssrc uint32) []*Packet {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	packets := s.sources.Drain(ssrc)
	s.metrics.setSources(s.sources.Len(), s.sources.Queued())
	return packets
}

// Sources возвращает снимок таблицы удаленных источников
func (s *Session) Sources() []SourceInfo {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.sources.Snapshot()
}

// Stats возвращает копию счетчиков
func (s *Session) Stats() SessionStatistics {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats
}

// Teardown отправляет RTCP BYE всем адресатам и освобождает порт.
// linger ограничивает время рассылки BYE; при linger <= 0 каждый адресат
// получает одну попытку без ограничения. Повторный вызов возвращает ErrSessionClosed.
func (s *Session) Teardown(reason string, linger time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isClosedLocked() {
		return ErrSessionClosed
	}

	s.sendByeLocked(reason, linger)

	if err := s.state.Event(context.Background(), eventClose); err != nil {
		s.logger.WithError(err).Warn("Ошибка перехода в состояние closed")
	}
	s.sources.Reset()
	s.metrics.setSources(0, 0)

	err := s.transport.Close()
	s.logger.WithField("reason", reason).Info("RTP сессия завершена")
	return err
}

func (s *Session) sendByeLocked(reason string, linger time.Duration) {
	if len(s.destinations) == 0 {
		return
	}

	data, err := EncodeBye(s.ssrc, s.cname, reason)
	if err != nil {
		s.logger.WithError(err).Warn("Не удалось собрать RTCP BYE")
		return
	}

	var deadline time.Time
	if linger > 0 {
		deadline = time.Now().Add(linger)
		if wd, ok := s.transport.(WriteDeadliner); ok {
			_ = wd.SetWriteDeadline(deadline)
		}
	}

	for _, dst := range s.destinations {
		if !deadline.IsZero() && time.Now().After(deadline) {
			s.logger.WithField("destination", dst.String()).Warn("Время на отправку BYE истекло")
			return
		}
		if err := s.transport.SendTo(data, dst); err != nil {
			s.logger.WithError(err).WithField("destination", dst.String()).Warn("Не удалось отправить BYE")
		}
	}
}

// activateLocked переводит сессию в active при первой операции с сетью
func (s *Session) activateLocked() error {
	switch s.state.Current() {
	case SessionStateClosed.String():
		return ErrSessionClosed
	case SessionStateCreated.String():
		if err := s.state.Event(context.Background(), eventActivate); err != nil {
			return fmt.Errorf("ошибка активации сессии: %w", err)
		}
	}
	return nil
}

func (s *Session) isClosedLocked() bool {
	return s.state.Current() == SessionStateClosed.String()
}

func (s *Session) indexOfDestinationLocked(addr *net.UDPAddr) int {
	if addr == nil {
		return -1
	}
	return slices.IndexFunc(s.destinations, func(d *net.UDPAddr) bool {
		return d.Port == addr.Port && d.IP.Equal(addr.IP) && d.Zone == addr.Zone
	})
}

func cloneUDPAddr(addr *net.UDPAddr) *net.UDPAddr {
	return &net.UDPAddr{
		IP:   append(net.IP(nil), addr.IP...),
		Port: addr.Port,
		Zone: addr.Zone,
	}
}

// randomSource - источник случайных SSRC и sequence number
var randomSource io.Reader = rand.Reader

// generateSSRC генерирует криптографически случайный SSRC
func generateSSRC() (uint32, error) {
	var ssrc uint32
	if err := binary.Read(randomSource, binary.BigEndian, &ssrc); err != nil {
		return 0, err
	}
	return ssrc, nil
}

// generateRandomUint16 генерирует случайное 16-битное число
func generateRandomUint16() (uint16, error) {
	var val uint16
	if err := binary.Read(randomSource, binary.BigEndian, &val); err != nil {
		return 0, err
	}
	return val, nil
}
