package capture

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Datagram is one UDP payload taken from a capture.
type Datagram struct {
	Timestamp   time.Time
	Source      netip.AddrPort
	Destination netip.AddrPort
	Payload     []byte
}

// Filter selects which UDP packets are returned. The zero value accepts all.
type Filter struct {
	// Port matches either the source or the destination port when non-zero.
	Port uint16
}

func (f Filter) match(udp *layers.UDP) bool {
	if f.Port == 0 {
		return true
	}
	return uint16(udp.SrcPort) == f.Port || uint16(udp.DstPort) == f.Port
}

// Reader iterates over the UDP datagrams of a pcap stream.
type Reader struct {
	pcap    *pcapgo.Reader
	filter  Filter
	packets int
	skipped int
}

// NewReader reads the pcap file header from r.
func NewReader(r io.Reader, filter Filter) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	return &Reader{pcap: pr, filter: filter}, nil
}

// Next returns the next matching datagram, or io.EOF when the capture is
// exhausted. Packets that are not UDP over IP are skipped.
func (r *Reader) Next() (Datagram, error) {
	for {
		data, ci, err := r.pcap.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Datagram{}, io.EOF
			}
			return Datagram{}, fmt.Errorf("failed to read packet %d: %w", r.packets+1, err)
		}
		r.packets++

		packet := gopacket.NewPacket(data, r.pcap.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		dg, ok := r.extract(packet, ci)
		if !ok {
			r.skipped++
			continue
		}
		return dg, nil
	}
}

func (r *Reader) extract(packet gopacket.Packet, ci gopacket.CaptureInfo) (Datagram, bool) {
	udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || !r.filter.match(udp) {
		return Datagram{}, false
	}

	var srcIP, dstIP net.IP
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	default:
		return Datagram{}, false
	}

	src, ok1 := netip.AddrFromSlice(srcIP)
	dst, ok2 := netip.AddrFromSlice(dstIP)
	if !ok1 || !ok2 {
		return Datagram{}, false
	}

	payload := make([]byte, len(udp.Payload))
	copy(payload, udp.Payload)

	return Datagram{
		Timestamp:   ci.Timestamp,
		Source:      netip.AddrPortFrom(src.Unmap(), uint16(udp.SrcPort)),
		Destination: netip.AddrPortFrom(dst.Unmap(), uint16(udp.DstPort)),
		Payload:     payload,
	}, true
}

// Stats returns how many packets were read and how many were skipped.
func (r *Reader) Stats() (packets, skipped int) {
	return r.packets, r.skipped
}

// ReadAll returns every matching datagram in capture order.
func ReadAll(r io.Reader, filter Filter) ([]Datagram, error) {
	reader, err := NewReader(r, filter)
	if err != nil {
		return nil, err
	}

	var out []Datagram
	for {
		dg, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, dg)
	}
}
