package wire

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/ip4"
)

// ARPPacketLen is the fixed size of an IPv4-over-Ethernet ARP payload per
// RFC 826: hardware type, protocol type, address sizes, operation, and
// four addresses of one Ethernet MAC and one IPv4 address each.
const ARPPacketLen = 28

// ARPMessage is the decoded form of an ARP request or reply for Ethernet
// over IPv4 (hardware type 1, protocol type 0x0800).
type ARPMessage struct {
	Operation  layers.ARPOperation
	SenderMAC  net.HardwareAddr
	SenderIP   ip4.Addr
	TargetMAC  net.HardwareAddr
	TargetIP   ip4.Addr
}

// DecodeARP parses a 28-byte ARP payload. Packets for hardware/protocol
// combinations other than Ethernet/IPv4 are rejected, since that's the
// only combination this stack speaks.
func DecodeARP(payload []byte) (ARPMessage, error) {
	var a layers.ARP
	if err := a.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return ARPMessage{}, err
	}
	if a.AddrType != layers.LinkTypeEthernet || a.Protocol != layers.EthernetTypeIPv4 ||
		a.HwAddressSize != 6 || a.ProtAddressSize != 4 {
		return ARPMessage{}, errUnsupportedARPFormat
	}
	return ARPMessage{
		Operation: a.Operation,
		SenderMAC: net.HardwareAddr(a.SourceHwAddress),
		SenderIP:  ip4.Addr{a.SourceProtAddress[0], a.SourceProtAddress[1], a.SourceProtAddress[2], a.SourceProtAddress[3]},
		TargetMAC: net.HardwareAddr(a.DstHwAddress),
		TargetIP:  ip4.Addr{a.DstProtAddress[0], a.DstProtAddress[1], a.DstProtAddress[2], a.DstProtAddress[3]},
	}, nil
}

// EncodeARP serializes a 28-byte ARP payload for Ethernet/IPv4.
func EncodeARP(m ARPMessage) ([]byte, error) {
	a := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         m.Operation,
		SourceHwAddress:   []byte(m.SenderMAC),
		SourceProtAddress: []byte{m.SenderIP[0], m.SenderIP[1], m.SenderIP[2], m.SenderIP[3]},
		DstHwAddress:      []byte(m.TargetMAC),
		DstProtAddress:    []byte{m.TargetIP[0], m.TargetIP[1], m.TargetIP[2], m.TargetIP[3]},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := a.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var errUnsupportedARPFormat = arpFormatError{}

type arpFormatError struct{}

func (arpFormatError) Error() string { return "wire: unsupported ARP hardware/protocol format" }
