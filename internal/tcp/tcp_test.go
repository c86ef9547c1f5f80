package tcp_test

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/quietstack/ipstack/internal/arpcache"
	"github.com/quietstack/ipstack/internal/buf"
	"github.com/quietstack/ipstack/internal/driver"
	"github.com/quietstack/ipstack/internal/iface"
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/ipstack"
	"github.com/quietstack/ipstack/internal/tcp"
	"github.com/quietstack/ipstack/internal/wire"
)

// newTestLayer mirrors internal/icmp's and internal/udp's helper of the
// same name: one interface, its peer pre-learned into the ARP cache.
func newTestLayer(t *testing.T) (*ipstack.Layer, *iface.Interface, *driver.Pipe, clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	mac := net.HardwareAddr{1, 0, 0, 0, 0, 1}
	addr := ip4.Addr{10, 0, 0, 1}
	pipe := driver.NewPipe(mac, 1500)
	arp, err := arpcache.New(arpcache.Config{LocalMAC: mac, LocalIP: addr, Netmask: ip4.Mask{255, 255, 255, 0}, NumEntries: 4}, pipe, fc)
	require.NoError(t, err)
	ifc := &iface.Interface{Name: "eth0", Addr: addr, Mask: ip4.Mask{255, 255, 255, 0}, Driver: pipe, ARP: arp}

	table := iface.NewTable()
	table.Add(ip4.Addr{10, 0, 0, 0}, ip4.Mask{255, 255, 255, 0}, ip4.Addr{}, ifc)

	arp.HandleFrame(wire.ARPMessage{
		Operation: layers.ARPReply,
		SenderMAC: net.HardwareAddr{2, 0, 0, 0, 0, 9},
		SenderIP:  ip4.Addr{10, 0, 0, 9},
		TargetMAC: mac,
		TargetIP:  addr,
	}, fc.Now())

	ip := ipstack.New(ipstack.Config{}, table, fc)
	return ip, ifc, pipe, fc
}

type noopCallbacks struct{}

func (noopCallbacks) ConnectionEstablished()     {}
func (noopCallbacks) DataReceived(n int)         {}
func (noopCallbacks) DataSent(n int)             {}
func (noopCallbacks) ConnectionAborted(err error) {}

func sendSYN(t *testing.T, ip *ipstack.Layer, ifc *iface.Interface, fc clockwork.FakeClock, peer ip4.Addr, srcPort, dstPort uint16, seq uint32) {
	t.Helper()
	h := wire.TCPHeader{SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort), Seq: seq, Window: 65535, SYN: true}
	tcpRaw, err := wire.EncodeTCP(h, nil, peer, ifc.Addr)
	require.NoError(t, err)
	ipRaw, err := wire.EncodeIPv4(wire.IPv4Header{TTL: 64, Protocol: layers.IPProtocolTCP, Src: peer, Dst: ifc.Addr}, tcpRaw)
	require.NoError(t, err)
	ip.RecvFrame(ifc, layers.EthernetTypeIPv4, ipRaw, fc.Now())
}

// sendSeg crafts and delivers one raw TCP segment, ACK and optional
// data included, for tests that drive a connection past the handshake.
func sendSeg(t *testing.T, ip *ipstack.Layer, ifc *iface.Interface, fc clockwork.FakeClock, peer ip4.Addr, srcPort, dstPort uint16, seq, ack uint32, payload []byte) {
	t.Helper()
	h := wire.TCPHeader{SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort), Seq: seq, Ack: ack, Window: 65535, ACK: true}
	tcpRaw, err := wire.EncodeTCP(h, payload, peer, ifc.Addr)
	require.NoError(t, err)
	ipRaw, err := wire.EncodeIPv4(wire.IPv4Header{TTL: 64, Protocol: layers.IPProtocolTCP, Src: peer, Dst: ifc.Addr}, tcpRaw)
	require.NoError(t, err)
	ip.RecvFrame(ifc, layers.EthernetTypeIPv4, ipRaw, fc.Now())
}

// TestListenerBackpressureDropsOverflowSYN mirrors spec.md scenario 4: a
// listener configured with maxPCBs=2 silently drops a third inbound SYN
// rather than resetting or queuing it.
func TestListenerBackpressureDropsOverflowSYN(t *testing.T) {
	ip, ifc, pipe, fc := newTestLayer(t)
	m := tcp.New(tcp.Config{}, ip, nil, fc)

	var accepted int
	_, err := m.Listen(ifc.Addr, 80, 2, func(*tcp.Connection) tcp.Callbacks {
		accepted++
		return noopCallbacks{}
	})
	require.NoError(t, err)

	peer := ip4.Addr{10, 0, 0, 9}
	sendSYN(t, ip, ifc, fc, peer, 10001, 80, 1000)
	sendSYN(t, ip, ifc, fc, peer, 10002, 80, 2000)
	sendSYN(t, ip, ifc, fc, peer, 10003, 80, 3000)

	require.Equal(t, 2, accepted, "only the first two SYNs should spawn a PCB")
	require.Equal(t, 2, m.PCBsInUse())

	// Each accepted SYN gets a SYN|ACK; the third, dropped SYN gets
	// nothing at all (neither a SYN|ACK nor an RST).
	sent := pipe.Sent()
	require.Len(t, sent, 2)
	for _, f := range sent {
		_, tcpRaw, err := wire.DecodeIPv4(f.Payload)
		require.NoError(t, err)
		h, _, err := wire.DecodeTCP(tcpRaw, ifc.Addr, peer)
		require.NoError(t, err)
		require.True(t, h.SYN && h.ACK)
	}
}

// TestResetWithUnprocessedDataSendsRST covers spec.md scenario 5:
// aborting a connection that still has undelivered data sends an RST
// rather than going through the orderly FIN handshake.
func TestResetWithUnprocessedDataSendsRST(t *testing.T) {
	ip, ifc, pipe, fc := newTestLayer(t)
	m := tcp.New(tcp.Config{}, ip, nil, fc)

	var conn *tcp.Connection
	_, err := m.Listen(ifc.Addr, 80, 0, func(c *tcp.Connection) tcp.Callbacks {
		conn = c
		return noopCallbacks{}
	})
	require.NoError(t, err)

	peer := ip4.Addr{10, 0, 0, 9}
	sendSYN(t, ip, ifc, fc, peer, 10001, 80, 1000)
	require.NotNil(t, conn)
	pipe.Sent() // drain the SYN|ACK, not under test here

	require.NoError(t, conn.Reset(true))

	sent := pipe.Sent()
	require.Len(t, sent, 1)
	_, tcpRaw, err := wire.DecodeIPv4(sent[0].Payload)
	require.NoError(t, err)
	h, _, err := wire.DecodeTCP(tcpRaw, ifc.Addr, peer)
	require.NoError(t, err)
	require.True(t, h.RST, "Reset(true) must send an RST")

	require.Equal(t, tcp.StateClosed, conn.State())
}

// TestOutOfSequenceDrainDoesNotCorruptSendSequenceSpace reproduces the
// scenario a maintainer review flagged: a segment buffered as
// out-of-sequence and later replayed by drainOOS must not clobber
// snd.UNA with a receive-space value. A second segment arriving out of
// order, followed by the one that fills the gap, must both land in the
// receive buffer in the right order and leave the connection able to
// send normally afterward.
func TestOutOfSequenceDrainDoesNotCorruptSendSequenceSpace(t *testing.T) {
	ip, ifc, pipe, fc := newTestLayer(t)
	m := tcp.New(tcp.Config{}, ip, nil, fc)

	var conn *tcp.Connection
	recvBuf := make([]byte, 64)
	var delivered int
	cbs := &countingCallbacks{onData: func(n int) { delivered = n }, onSent: func(int) {}}
	_, err := m.Listen(ifc.Addr, 80, 0, func(c *tcp.Connection) tcp.Callbacks {
		conn = c
		return cbs
	})
	require.NoError(t, err)

	peer := ip4.Addr{10, 0, 0, 9}
	clientISS := uint32(1000)
	sendSYN(t, ip, ifc, fc, peer, 10001, 80, clientISS)
	require.NotNil(t, conn)

	synAckFrames := pipe.Sent()
	require.Len(t, synAckFrames, 1)
	_, synAckRaw, err := wire.DecodeIPv4(synAckFrames[0].Payload)
	require.NoError(t, err)
	synAckHdr, _, err := wire.DecodeTCP(synAckRaw, ifc.Addr, peer)
	require.NoError(t, err)
	require.True(t, synAckHdr.SYN && synAckHdr.ACK)
	serverISS := synAckHdr.Seq

	// Complete the handshake.
	sendSeg(t, ip, ifc, fc, peer, 10001, 80, clientISS+1, serverISS+1, nil)
	require.Equal(t, tcp.StateEstablished, conn.State())
	require.NoError(t, conn.SetRecvBuf(buf.New(recvBuf)))

	// Segment 2 arrives first (bytes 10..20), buffered out-of-sequence;
	// segment 1 (bytes 0..10) then fills the gap and triggers drainOOS.
	second := []byte("BBBBBBBBBB")
	first := []byte("AAAAAAAAAA")
	sendSeg(t, ip, ifc, fc, peer, 10001, 80, clientISS+1+10, serverISS+1, second)
	sendSeg(t, ip, ifc, fc, peer, 10001, 80, clientISS+1, serverISS+1, first)

	require.Equal(t, len(second), delivered, "the replayed segment must still deliver its data")
	require.Equal(t, append(append([]byte{}, first...), second...), recvBuf[:20])

	// Now have the server send data and the peer ACK it for real. If
	// drainOOS's replay had clobbered snd.UNA with a receive-space value
	// (as it used to), releaseSendBuf's released-byte count below would
	// come out wildly wrong instead of exactly len("reply").
	var sentBytes int
	cbs.onSent = func(n int) { sentBytes = n }
	require.NoError(t, conn.SetSendBuf(buf.New([]byte("reply"))))
	sent := pipe.Sent()
	require.NotEmpty(t, sent, "the connection must still be able to send after the OOS drain")
	_, dataRaw, err := wire.DecodeIPv4(sent[len(sent)-1].Payload)
	require.NoError(t, err)
	dataHdr, _, err := wire.DecodeTCP(dataRaw, ifc.Addr, peer)
	require.NoError(t, err)
	require.Equal(t, serverISS+1, dataHdr.Seq, "send sequence space must be intact")

	sendSeg(t, ip, ifc, fc, peer, 10001, 80, clientISS+1+20, serverISS+1+5, nil)
	require.Equal(t, 5, sentBytes, "exactly the 5 bytes of \"reply\" must be released, not a bogus count from a corrupted snd.UNA")
}

type countingCallbacks struct {
	onData func(n int)
	onSent func(n int)
}

func (countingCallbacks) ConnectionEstablished()      {}
func (c *countingCallbacks) DataReceived(n int)       { c.onData(n) }
func (c *countingCallbacks) DataSent(n int)           { c.onSent(n) }
func (countingCallbacks) ConnectionAborted(err error) {}
