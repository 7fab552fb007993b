package rtp

import (
	"iter"
	"net"
	"time"

	"github.com/gammazero/deque"
)

// SourceInfo - снимок состояния удаленного источника
type SourceInfo struct {
	SSRC         uint32
	Addr         net.Addr
	FirstSeen    time.Time
	LastActivity time.Time
	LastSequence uint16
	Received     uint64
	Dropped      uint64
	Queued       int
	ByeReceived  bool
	ByeReason    string
}

type sourceEntry struct {
	info  SourceInfo
	queue deque.Deque[*Packet]
}

// SourceTable хранит удаленные источники по SSRC и их очереди принятых пакетов.
//
// Таблица не синхронизирована: владелец (Session) сериализует доступ своим мьютексом.
// Записи создаются при первом пакете от нового SSRC и по умолчанию живут до Reset.
// Если задан idleTimeout, Sweep удаляет источники без активности и с пустой очередью.
type SourceTable struct {
	entries     map[uint32]*sourceEntry
	order       []uint32
	maxDepth    int
	idleTimeout time.Duration
	queued      int

	onAdded   func(ssrc uint32)
	onRemoved func(ssrc uint32)
}

// NewSourceTable создает таблицу источников.
// maxDepth <= 0 означает неограниченную очередь, idleTimeout <= 0 отключает удаление.
func NewSourceTable(maxDepth int, idleTimeout time.Duration) *SourceTable {
	return &SourceTable{
		entries:     make(map[uint32]*sourceEntry),
		maxDepth:    maxDepth,
		idleTimeout: idleTimeout,
	}
}

// OnPacketReceived добавляет пакет в очередь его источника.
// isNew - источник появился впервые, evicted - самый старый пакет вытеснен из полной очереди.
func (t *SourceTable) OnPacketReceived(pkt *Packet, from net.Addr, now time.Time) (isNew, evicted bool) {
	e, exists := t.entries[pkt.SSRC]
	if !exists {
		e = &sourceEntry{
			info: SourceInfo{
				SSRC:      pkt.SSRC,
				FirstSeen: now,
			},
		}
		t.entries[pkt.SSRC] = e
		t.order = append(t.order, pkt.SSRC)
		if t.onAdded != nil {
			t.onAdded(pkt.SSRC)
		}
	}

	e.info.Addr = from
	e.info.LastActivity = now
	e.info.LastSequence = pkt.SequenceNumber
	e.info.Received++

	if t.maxDepth > 0 && e.queue.Len() >= t.maxDepth {
		e.queue.PopFront()
		e.info.Dropped++
		t.queued--
		evicted = true
	}
	e.queue.PushBack(pkt)
	t.queued++

	return !exists, evicted
}

// SourcesWithData возвращает последовательность SSRC с непустыми очередями
// в порядке появления источников. Набор фиксируется в момент вызова.
func (t *SourceTable) SourcesWithData() iter.Seq[uint32] {
	ready := make([]uint32, 0, len(t.order))
	for _, ssrc := range t.order {
		if e := t.entries[ssrc]; e.queue.Len() > 0 {
			ready = append(ready, ssrc)
		}
	}

	return func(yield func(uint32) bool) {
		for _, ssrc := range ready {
			if !yield(ssrc) {
				return
			}
		}
	}
}

// Drain забирает все пакеты источника в порядке поступления.
// Для неизвестного SSRC возвращает nil.
func (t *SourceTable) Drain(ssrc uint32) []*Packet {
	e, ok := t.entries[ssrc]
	if !ok || e.queue.Len() == 0 {
		return nil
	}

	out := make([]*Packet, 0, e.queue.Len())
	for e.queue.Len() > 0 {
		out = append(out, e.queue.PopFront())
	}
	t.queued -= len(out)
	return out
}

// MarkBye отмечает получение BYE. Новые записи не создаются.
func (t *SourceTable) MarkBye(ssrc uint32, reason string, now time.Time) bool {
	e, ok := t.entries[ssrc]
	if !ok {
		return false
	}
	e.info.ByeReceived = true
	e.info.ByeReason = reason
	e.info.LastActivity = now
	return true
}

// Sweep удаляет простаивающие источники с пустой очередью.
// Возвращает число удаленных записей.
func (t *SourceTable) Sweep(now time.Time) int {
	if t.idleTimeout <= 0 {
		return 0
	}

	removed := 0
	kept := t.order[:0]
	for _, ssrc := range t.order {
		e := t.entries[ssrc]
		if e.queue.Len() == 0 && now.Sub(e.info.LastActivity) > t.idleTimeout {
			delete(t.entries, ssrc)
			removed++
			if t.onRemoved != nil {
				t.onRemoved(ssrc)
			}
			continue
		}
		kept = append(kept, ssrc)
	}
	t.order = kept
	return removed
}

// Get возвращает снимок одного источника
func (t *SourceTable) Get(ssrc uint32) (SourceInfo, bool) {
	e, ok := t.entries[ssrc]
	if !ok {
		return SourceInfo{}, false
	}
	info := e.info
	info.Queued = e.queue.Len()
	return info, true
}

// Snapshot возвращает снимки всех источников в порядке появления
func (t *SourceTable) Snapshot() []SourceInfo {
	out := make([]SourceInfo, 0, len(t.order))
	for _, ssrc := range t.order {
		info, _ := t.Get(ssrc)
		out = append(out, info)
	}
	return out
}

// Len возвращает число известных источников
func (t *SourceTable) Len() int {
	return len(t.entries)
}

// Queued возвращает суммарное число пакетов во всех очередях
func (t *SourceTable) Queued() int {
	return t.queued
}

// Reset удаляет все источники
func (t *SourceTable) Reset() {
	for _, ssrc := range t.order {
		if t.onRemoved != nil {
			t.onRemoved(ssrc)
		}
	}
	t.entries = make(map[uint32]*sourceEntry)
	t.order = nil
	t.queued = 0
}

// SetCallbacks задает обработчики появления и удаления источников
func (t *SourceTable) SetCallbacks(onAdded, onRemoved func(ssrc uint32)) {
	t.onAdded = onAdded
	t.onRemoved = onRemoved
}
