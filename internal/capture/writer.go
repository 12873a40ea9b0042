package capture

import (
	"fmt"
	"io"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Writer records datagrams as Ethernet/IP/UDP frames in pcap format.
type Writer struct {
	pcap *pcapgo.Writer
}

// NewWriter writes the pcap file header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{pcap: pw}, nil
}

// Write appends dg as a single frame. Source and destination must be the
// same address family.
func (w *Writer) Write(dg Datagram) error {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(dg.Source.Port()),
		DstPort: layers.UDPPort(dg.Destination.Port()),
	}

	eth := &layers.Ethernet{
		SrcMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DstMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
	}

	var network gopacket.SerializableLayer
	src, dst := dg.Source.Addr(), dg.Destination.Addr()
	switch {
	case src.Is4() && dst.Is4():
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src.AsSlice(),
			DstIP:    dst.AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}
		network = ip
	case src.Is6() && dst.Is6():
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      src.AsSlice(),
			DstIP:      dst.AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}
		network = ip
	default:
		return fmt.Errorf("mixed address families %s -> %s", dg.Source, dg.Destination)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, network, udp, gopacket.Payload(dg.Payload)); err != nil {
		return fmt.Errorf("failed to serialize frame: %w", err)
	}

	frame := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     dg.Timestamp,
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	return w.pcap.WritePacket(ci, frame)
}
