package ipstack

import (
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/wire"
)

func baseHeader(id uint16) wire.IPv4Header {
	return wire.IPv4Header{
		IHL: 5, TTL: 64, ID: id,
		Protocol: layers.IPProtocolICMPv4,
		Src:      ip4.Addr{10, 0, 0, 2},
		Dst:      ip4.Addr{10, 0, 0, 1},
	}
}

func TestReassemblyThreeFragments(t *testing.T) {
	r := NewReassembler(4, 65535, 30*time.Second)
	fc := clockwork.NewFakeClock()

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}

	h1 := baseHeader(1)
	h1.Flags = layers.IPv4MoreFragments
	_, _, ok := r.Process(h1, payload[0:1480], fc.Now())
	require.False(t, ok)

	h2 := baseHeader(1)
	h2.Flags = layers.IPv4MoreFragments
	h2.FragOffset = 1480 / 8
	_, _, ok = r.Process(h2, payload[1480:2960], fc.Now())
	require.False(t, ok)

	h3 := baseHeader(1)
	h3.FragOffset = 2960 / 8
	gotHeader, gotPayload, ok := r.Process(h3, payload[2960:3000], fc.Now())
	require.True(t, ok)
	require.Equal(t, payload, gotPayload)
	require.Equal(t, uint16(5*4+3000), gotHeader.Length)
	require.Equal(t, 0, r.Len())
}

func TestReassemblyOutOfOrderFragments(t *testing.T) {
	r := NewReassembler(4, 65535, 30*time.Second)
	fc := clockwork.NewFakeClock()
	payload := []byte("0123456789abcdef") // 16 bytes, two 8-byte fragments

	h2 := baseHeader(7)
	h2.FragOffset = 1
	_, _, ok := r.Process(h2, payload[8:16], fc.Now())
	require.False(t, ok)

	h1 := baseHeader(7)
	h1.Flags = layers.IPv4MoreFragments
	gotHeader, gotPayload, ok := r.Process(h1, payload[0:8], fc.Now())
	require.True(t, ok)
	require.Equal(t, payload, gotPayload)
	require.Equal(t, uint16(5*4+16), gotHeader.Length)
}

func TestReassemblyExpiresAfterDeadline(t *testing.T) {
	r := NewReassembler(4, 65535, 5*time.Second)
	fc := clockwork.NewFakeClock()

	h1 := baseHeader(9)
	h1.Flags = layers.IPv4MoreFragments
	_, _, ok := r.Process(h1, []byte("abcdefgh"), fc.Now())
	require.False(t, ok)
	require.Equal(t, 1, r.Len())

	fc.Advance(6 * time.Second)
	r.Tick(fc.Now())
	require.Equal(t, 0, r.Len())
}

// TestReassemblyDropsFragmentPastMaxSize covers a crafted FragOffset
// placing a fragment beyond maxSize: it must be dropped, not panic the
// reassembly buffer's slice bound.
func TestReassemblyDropsFragmentPastMaxSize(t *testing.T) {
	r := NewReassembler(4, 2000, 30*time.Second)
	fc := clockwork.NewFakeClock()

	h := baseHeader(1)
	h.FragOffset = 8191 // max 13-bit value * 8 = 65528, well past maxSize
	_, _, ok := r.Process(h, make([]byte, 16), fc.Now())
	require.False(t, ok)
	require.Equal(t, 1, r.Len(), "an entry is still allocated on first sight of the ID, but the oversized fragment must not be admitted")
}

func TestReassemblyEvictsOldestWhenFull(t *testing.T) {
	r := NewReassembler(1, 65535, 30*time.Second)
	fc := clockwork.NewFakeClock()

	h1 := baseHeader(1)
	h1.Flags = layers.IPv4MoreFragments
	r.Process(h1, []byte("aaaaaaaa"), fc.Now())
	require.Equal(t, 1, r.Len())

	h2 := baseHeader(2)
	h2.Flags = layers.IPv4MoreFragments
	r.Process(h2, []byte("bbbbbbbb"), fc.Now())
	require.Equal(t, 1, r.Len(), "capacity-1 reassembler must evict the first entry to admit the second")
}
