package wire

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ICMPv4HeaderLen is the fixed 8-byte ICMPv4 header (type, code,
// checksum, and a 4-byte type-specific field).
const ICMPv4HeaderLen = 8

// ICMPv4Header is the decoded form of an ICMPv4 message.
type ICMPv4Header struct {
	TypeCode layers.ICMPv4TypeCode
	Id       uint16
	Seq      uint16
}

// DecodeICMPv4 parses an ICMPv4 header and returns the remaining
// payload (echo data, or the quoted IP header+data for error messages).
func DecodeICMPv4(data []byte) (ICMPv4Header, []byte, error) {
	var icmp layers.ICMPv4
	if err := icmp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return ICMPv4Header{}, nil, err
	}
	return ICMPv4Header{TypeCode: icmp.TypeCode, Id: icmp.Id, Seq: icmp.Seq}, icmp.Payload, nil
}

// EncodeICMPv4 serializes h followed by payload, with a freshly computed
// checksum.
func EncodeICMPv4(h ICMPv4Header, payload []byte) ([]byte, error) {
	icmp := layers.ICMPv4{TypeCode: h.TypeCode, Id: h.Id, Seq: h.Seq}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &icmp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
