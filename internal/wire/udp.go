package wire

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/ip4"
)

// UDPHeaderLen is the fixed 8-byte UDP header.
const UDPHeaderLen = 8

// UDPHeader is the decoded form of a UDP datagram header.
type UDPHeader struct {
	SrcPort  layers.UDPPort
	DstPort  layers.UDPPort
	Length   uint16
	Checksum uint16
}

// DecodeUDP parses a UDP header, validating its checksum when non-zero
// (a zero UDP checksum means "not computed," which RFC 768 permits over
// IPv4 and this stack honors on receive).
func DecodeUDP(data []byte, src, dst ip4.Addr) (UDPHeader, []byte, error) {
	var udp layers.UDP
	if err := udp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return UDPHeader{}, nil, err
	}
	if udp.Checksum != 0 && !verifyTransportChecksum(data, src, dst, layers.IPProtocolUDP) {
		return UDPHeader{}, nil, ErrChecksum
	}
	return UDPHeader{SrcPort: udp.SrcPort, DstPort: udp.DstPort, Length: udp.Length, Checksum: udp.Checksum}, udp.Payload, nil
}

// EncodeUDP serializes h followed by payload with a pseudo-header
// checksum computed against (src, dst).
func EncodeUDP(h UDPHeader, payload []byte, src, dst ip4.Addr) ([]byte, error) {
	udp := layers.UDP{SrcPort: h.SrcPort, DstPort: h.DstPort}
	ipv4 := layers.IPv4{SrcIP: src.ToNetIP(), DstIP: dst.ToNetIP(), Protocol: layers.IPProtocolUDP}
	if err := udp.SetNetworkLayerForChecksum(&ipv4); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
