package rtp

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapSnapLen = 65536

// PcapTransport - транспорт, который дублирует весь трафик в pcap файл.
// Датаграммы записываются как IP/UDP кадры (LINKTYPE_RAW) и открываются в Wireshark.
type PcapTransport struct {
	inner Transport

	mutex  sync.Mutex
	out    io.WriteCloser
	writer *pcapgo.Writer
	now    func() time.Time
}

// NewPcapTransport оборачивает транспорт и пишет заголовок pcap в out
func NewPcapTransport(inner Transport, out io.WriteCloser) (*PcapTransport, error) {
	if inner == nil {
		return nil, NewError(ErrorCodeInvalidConfig, "транспорт обязателен")
	}

	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(pcapSnapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("ошибка записи заголовка pcap: %w", err)
	}

	return &PcapTransport{
		inner:  inner,
		out:    out,
		writer: w,
		now:    time.Now,
	}, nil
}

// SendTo отправляет датаграмму и записывает ее при успехе
func (p *PcapTransport) SendTo(data []byte, addr *net.UDPAddr) error {
	if err := p.inner.SendTo(data, addr); err != nil {
		return err
	}
	p.record(p.localUDPAddr(), addr, data)
	return nil
}

// ReadNonBlocking читает датаграмму и записывает ее
func (p *PcapTransport) ReadNonBlocking(buf []byte) (int, net.Addr, error) {
	n, from, err := p.inner.ReadNonBlocking(buf)
	if err != nil {
		return n, from, err
	}
	if src, ok := from.(*net.UDPAddr); ok {
		p.record(src, p.localUDPAddr(), buf[:n])
	}
	return n, from, nil
}

// WaitReadable делегирует ожидание вложенному транспорту
func (p *PcapTransport) WaitReadable(deadline time.Time) error {
	if w, ok := p.inner.(ReadinessWaiter); ok {
		return w.WaitReadable(deadline)
	}
	return ErrWaitUnsupported
}

// SetWriteDeadline делегирует ограничение записи вложенному транспорту
func (p *PcapTransport) SetWriteDeadline(deadline time.Time) error {
	if w, ok := p.inner.(WriteDeadliner); ok {
		return w.SetWriteDeadline(deadline)
	}
	return nil
}

// LocalAddr возвращает адрес вложенного транспорта
func (p *PcapTransport) LocalAddr() net.Addr {
	return p.inner.LocalAddr()
}

// Close закрывает вложенный транспорт и pcap файл
func (p *PcapTransport) Close() error {
	errInner := p.inner.Close()

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.out == nil {
		return errInner
	}
	errOut := p.out.Close()
	p.out = nil
	if errInner != nil {
		return errInner
	}
	return errOut
}

func (p *PcapTransport) localUDPAddr() *net.UDPAddr {
	if addr, ok := p.inner.LocalAddr().(*net.UDPAddr); ok {
		return addr
	}
	return &net.UDPAddr{IP: net.IPv4zero}
}

// record записывает кадр; ошибки записи не влияют на трафик
func (p *PcapTransport) record(src, dst *net.UDPAddr, payload []byte) {
	frame, err := buildUDPFrame(src, dst, payload)
	if err != nil {
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.out == nil {
		return
	}
	_ = p.writer.WritePacket(gopacket.CaptureInfo{
		Timestamp:     p.now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

// buildUDPFrame собирает IPv4 или IPv6 кадр с UDP заголовком и контрольными суммами
func buildUDPFrame(src, dst *net.UDPAddr, payload []byte) ([]byte, error) {
	srcIP, dstIP := normalizeIP(src.IP, dst.IP), normalizeIP(dst.IP, src.IP)

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}

	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	if srcIP.To4() != nil && dstIP.To4() != nil {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    srcIP.To4(),
			DstIP:    dstIP.To4(),
		}
		network, ipLayer = ip, ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      srcIP.To16(),
			DstIP:      dstIP.To16(),
		}
		network, ipLayer = ip, ip
	}
	if err := udp.SetNetworkLayerForChecksum(network); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ipLayer, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalizeIP подставляет loopback вместо неуказанного адреса.
// Семейство выбирается по адресу второй стороны.
func normalizeIP(ip, peer net.IP) net.IP {
	if ip != nil && !ip.IsUnspecified() {
		return ip
	}
	if peer == nil || peer.To4() != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	return net.IPv6loopback
}

var (
	_ Transport       = (*PcapTransport)(nil)
	_ ReadinessWaiter = (*PcapTransport)(nil)
	_ WriteDeadliner  = (*PcapTransport)(nil)
)
