package wire

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/ip4"
)

// TCPHeader is the decoded form of a TCP segment header, independent of
// the option parsing internal/tcp layers on top for MSS and window-scale
// (other options, SACK included, are ignored).
type TCPHeader struct {
	SrcPort               layers.TCPPort
	DstPort               layers.TCPPort
	Seq                   uint32
	Ack                   uint32
	DataOffset            uint8
	SYN, ACK, FIN, RST    bool
	PSH, URG              bool
	Window                uint16
	Checksum              uint16
	Urgent                uint16
	Options               []layers.TCPOption
}

// DecodeTCP parses a TCP segment header (and validates its checksum
// against the IPv4 pseudo-header) and returns the remaining payload.
func DecodeTCP(data []byte, src, dst ip4.Addr) (TCPHeader, []byte, error) {
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return TCPHeader{}, nil, err
	}
	if !verifyTransportChecksum(data, src, dst, layers.IPProtocolTCP) {
		return TCPHeader{}, nil, ErrChecksum
	}
	h := TCPHeader{
		SrcPort: tcp.SrcPort, DstPort: tcp.DstPort,
		Seq: tcp.Seq, Ack: tcp.Ack, DataOffset: tcp.DataOffset,
		SYN: tcp.SYN, ACK: tcp.ACK, FIN: tcp.FIN, RST: tcp.RST,
		PSH: tcp.PSH, URG: tcp.URG,
		Window: tcp.Window, Checksum: tcp.Checksum, Urgent: tcp.Urgent,
		Options: tcp.Options,
	}
	return h, tcp.Payload, nil
}

// EncodeTCP serializes h followed by payload with a pseudo-header
// checksum computed against (src, dst).
func EncodeTCP(h TCPHeader, payload []byte, src, dst ip4.Addr) ([]byte, error) {
	tcp := layers.TCP{
		SrcPort: h.SrcPort, DstPort: h.DstPort,
		Seq: h.Seq, Ack: h.Ack,
		SYN: h.SYN, ACK: h.ACK, FIN: h.FIN, RST: h.RST,
		PSH: h.PSH, URG: h.URG,
		Window: h.Window, Urgent: h.Urgent,
		Options: h.Options,
	}
	ipv4 := layers.IPv4{SrcIP: src.ToNetIP(), DstIP: dst.ToNetIP(), Protocol: layers.IPProtocolTCP}
	if err := tcp.SetNetworkLayerForChecksum(&ipv4); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &tcp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func verifyTransportChecksum(segment []byte, src, dst ip4.Addr, proto layers.IPProtocol) bool {
	acc := WithPseudoHeader(src, dst, uint8(proto), uint16(len(segment)))
	acc.Add(segment)
	return acc.Sum() == 0
}
