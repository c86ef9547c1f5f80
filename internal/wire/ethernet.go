package wire

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// EthernetHeaderLen is the fixed size of an Ethernet II header: six bytes
// destination MAC, six bytes source MAC, two bytes EtherType.
const EthernetHeaderLen = 14

// BroadcastMAC is the link-layer broadcast address ff:ff:ff:ff:ff:ff.
var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// DecodeEthernet parses the 14-byte Ethernet II header from the front of
// frame. It is a thin wrapper over gopacket's layer decoder, matching the
// decode pattern the rest of this package's ARP/IP/ICMP/TCP/UDP codecs
// follow.
func DecodeEthernet(frame []byte) (eth layers.Ethernet, payload []byte, err error) {
	if err = eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return layers.Ethernet{}, nil, err
	}
	return eth, frame[EthernetHeaderLen:], nil
}

// EncodeEthernet serializes an Ethernet II header followed by payload into
// a single contiguous frame.
func EncodeEthernet(dst, src net.HardwareAddr, ethType layers.EthernetType, payload []byte) ([]byte, error) {
	eth := layers.Ethernet{DstMAC: dst, SrcMAC: src, EthernetType: ethType}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&eth, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
