package wire_test

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/wire"
)

func TestChecksum16KnownValue(t *testing.T) {
	// RFC 1071 worked example.
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	sum := wire.Checksum16(data)
	require.Equal(t, uint16(0x220d), sum, "RFC 1071 sum is 0xddf2, so the checksum is its complement")
	data2 := append(append([]byte{}, data...), byte(sum>>8), byte(sum))
	require.Equal(t, uint16(0), wire.Checksum16(data2), "appending the computed checksum must zero the verifying sum")
}

func TestIPv4EncodeDecodeRoundTrip(t *testing.T) {
	h := wire.IPv4Header{
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		ID:       0x1234,
		Src:      ip4.Addr{10, 0, 0, 1},
		Dst:      ip4.Addr{10, 0, 0, 2},
	}
	payload := []byte("hello")
	raw, err := wire.EncodeIPv4(h, payload)
	require.NoError(t, err)

	got, gotPayload, err := wire.DecodeIPv4(raw)
	require.NoError(t, err)
	require.Equal(t, h.Src, got.Src)
	require.Equal(t, h.Dst, got.Dst)
	require.Equal(t, h.TTL, got.TTL)
	require.Equal(t, payload, gotPayload)
}

func TestIPv4DecodeRejectsBadChecksum(t *testing.T) {
	h := wire.IPv4Header{TTL: 64, Protocol: layers.IPProtocolUDP, Src: ip4.Addr{1, 2, 3, 4}, Dst: ip4.Addr{5, 6, 7, 8}}
	raw, err := wire.EncodeIPv4(h, []byte("x"))
	require.NoError(t, err)
	raw[10] ^= 0xFF // corrupt checksum byte
	_, _, err = wire.DecodeIPv4(raw)
	require.ErrorIs(t, err, wire.ErrChecksum)
}

func TestUDPEncodeDecodeRoundTrip(t *testing.T) {
	src, dst := ip4.Addr{192, 168, 1, 1}, ip4.Addr{192, 168, 1, 2}
	h := wire.UDPHeader{SrcPort: 5000, DstPort: 53}
	payload := []byte("query")
	raw, err := wire.EncodeUDP(h, payload, src, dst)
	require.NoError(t, err)

	got, gotPayload, err := wire.DecodeUDP(raw, src, dst)
	require.NoError(t, err)
	require.Equal(t, h.SrcPort, got.SrcPort)
	require.Equal(t, h.DstPort, got.DstPort)
	require.Equal(t, payload, gotPayload)
}

func TestARPEncodeDecodeRoundTrip(t *testing.T) {
	m := wire.ARPMessage{
		Operation: layers.ARPRequest,
		SenderMAC: []byte{1, 2, 3, 4, 5, 6},
		SenderIP:  ip4.Addr{10, 0, 0, 1},
		TargetMAC: []byte{0, 0, 0, 0, 0, 0},
		TargetIP:  ip4.Addr{10, 0, 0, 2},
	}
	raw, err := wire.EncodeARP(m)
	require.NoError(t, err)
	require.Len(t, raw, wire.ARPPacketLen)

	got, err := wire.DecodeARP(raw)
	require.NoError(t, err)
	require.Equal(t, m.SenderIP, got.SenderIP)
	require.Equal(t, m.TargetIP, got.TargetIP)
}
