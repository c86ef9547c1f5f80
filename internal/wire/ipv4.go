package wire

import (
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/quietstack/ipstack/internal/ip4"
)

// IPv4MinHeaderLen is the minimum (no-options) IPv4 header length.
const IPv4MinHeaderLen = 20

// ErrChecksum is returned by decoders when a header fails its checksum.
var ErrChecksum = errors.New("wire: checksum mismatch")

// IPv4Header is the decoded form of an IPv4 header plus its payload.
type IPv4Header struct {
	Version    uint8
	IHL        uint8
	TOS        uint8
	Length     uint16
	ID         uint16
	Flags      layers.IPv4Flag
	FragOffset uint16 // in 8-byte units, per RFC 791
	TTL        uint8
	Protocol   layers.IPProtocol
	Checksum   uint16
	Src        ip4.Addr
	Dst        ip4.Addr
	Options    []layers.IPv4Option
}

// DecodeIPv4 parses an IPv4 header from the front of data and verifies
// its header checksum. The returned payload is data sliced past the
// (possibly option-bearing) header, truncated to Length.
func DecodeIPv4(data []byte) (IPv4Header, []byte, error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return IPv4Header{}, nil, err
	}
	if !verifyIPv4Checksum(data[:int(ip.IHL)*4]) {
		return IPv4Header{}, nil, ErrChecksum
	}
	h := IPv4Header{
		Version:    ip.Version,
		IHL:        ip.IHL,
		TOS:        ip.TOS,
		Length:     ip.Length,
		ID:         ip.Id,
		Flags:      ip.Flags,
		FragOffset: ip.FragOffset,
		TTL:        ip.TTL,
		Protocol:   ip.Protocol,
		Checksum:   ip.Checksum,
		Src:        ip4.FromNetIP(ip.SrcIP),
		Dst:        ip4.FromNetIP(ip.DstIP),
		Options:    ip.Options,
	}
	headerLen := int(ip.IHL) * 4
	end := int(ip.Length)
	if end > len(data) {
		end = len(data)
	}
	return h, data[headerLen:end], nil
}

func verifyIPv4Checksum(header []byte) bool {
	var acc ChecksumAccumulator
	acc.Add(header)
	return acc.Sum() == 0
}

// EncodeIPv4 serializes h followed by payload, computing a fresh header
// checksum.
func EncodeIPv4(h IPv4Header, payload []byte) ([]byte, error) {
	ip := layers.IPv4{
		Version:    4,
		IHL:        5,
		TOS:        h.TOS,
		Id:         h.ID,
		Flags:      h.Flags,
		FragOffset: h.FragOffset,
		TTL:        h.TTL,
		Protocol:   h.Protocol,
		SrcIP:      h.Src.ToNetIP(),
		DstIP:      h.Dst.ToNetIP(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &ip, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
