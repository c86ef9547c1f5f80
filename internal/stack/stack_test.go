package stack_test

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/quietstack/ipstack/internal/buf"
	"github.com/quietstack/ipstack/internal/driver"
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/ipstack"
	"github.com/quietstack/ipstack/internal/stack"
	"github.com/quietstack/ipstack/internal/tcp"
	"github.com/quietstack/ipstack/internal/udp"
	"github.com/quietstack/ipstack/internal/wire"
)

// newNode builds one Stack with a single attached interface, mirroring
// internal/icmp's newTestLayer helper one layer up the stack.
func newNode(t *testing.T, clk clockwork.FakeClock, name string, mac net.HardwareAddr, addr ip4.Addr) (*stack.Stack, *driver.Pipe, driver.FrameSink) {
	t.Helper()
	pipe := driver.NewPipe(mac, 1500)
	st := stack.New(stack.Config{}, clk)
	_, sink, err := st.AddInterface(name, stack.InterfaceConfig{Addr: addr, Mask: ip4.Mask{255, 255, 255, 0}}, pipe)
	require.NoError(t, err)
	return st, pipe, sink
}

// seedARP pre-learns the peer so the handshake below isn't gated on an
// ARP request/reply round trip, the same shortcut internal/icmp's tests
// take.
func seedARP(t *testing.T, st *stack.Stack, ifaceName string, localMAC net.HardwareAddr, localAddr ip4.Addr, peerMAC net.HardwareAddr, peerAddr ip4.Addr, now clockwork.FakeClock) {
	t.Helper()
	ifc, ok := st.Interface(ifaceName)
	require.True(t, ok)
	ifc.ARP.HandleFrame(wire.ARPMessage{
		Operation: layers.ARPReply,
		SenderMAC: peerMAC,
		SenderIP:  peerAddr,
		TargetMAC: localMAC,
		TargetIP:  localAddr,
	}, now.Now())
}

// pump relays every frame each pipe has queued to the other side's sink,
// repeating until both sides go quiet (or a round cap is hit, which would
// indicate a test bug rather than legitimate protocol chatter).
func pump(t *testing.T, aPipe *driver.Pipe, aSink driver.FrameSink, bPipe *driver.Pipe, bSink driver.FrameSink) {
	t.Helper()
	for i := 0; i < 32; i++ {
		aFrames := aPipe.Sent()
		bFrames := bPipe.Sent()
		if len(aFrames) == 0 && len(bFrames) == 0 {
			return
		}
		for _, f := range aFrames {
			bSink.RecvFrame(f.EthType, nil, f.Payload)
		}
		for _, f := range bFrames {
			aSink.RecvFrame(f.EthType, nil, f.Payload)
		}
	}
	t.Fatal("pump: frames still in flight after 32 rounds")
}

var (
	macClient  = net.HardwareAddr{1, 0, 0, 0, 0, 1}
	macServer  = net.HardwareAddr{2, 0, 0, 0, 0, 2}
	addrClient = ip4.Addr{10, 0, 0, 1}
	addrServer = ip4.Addr{10, 0, 0, 2}
)

func TestStackTCPHandshakeAndDataTransfer(t *testing.T) {
	fc := clockwork.NewFakeClock()

	clientSt, clientPipe, clientSink := newNode(t, fc, "eth0", macClient, addrClient)
	serverSt, serverPipe, serverSink := newNode(t, fc, "eth0", macServer, addrServer)

	seedARP(t, clientSt, "eth0", macClient, addrClient, macServer, addrServer, fc)
	seedARP(t, serverSt, "eth0", macServer, addrServer, macClient, addrClient, fc)

	var serverCbs *serverEcho
	_, err := serverSt.TCP().Listen(addrServer, 80, 0, func(conn *tcp.Connection) tcp.Callbacks {
		serverCbs = &serverEcho{conn: conn, recvBuf: make([]byte, 4096)}
		return serverCbs
	})
	require.NoError(t, err)

	clientIfc, ok := clientSt.Interface("eth0")
	require.True(t, ok)

	clientCbs := &clientEcho{}
	conn, err := clientSt.TCP().Connect(clientIfc, addrClient, addrServer, 80, clientCbs)
	require.NoError(t, err)
	clientCbs.conn = conn

	pump(t, clientPipe, clientSink, serverPipe, serverSink)

	require.True(t, clientCbs.established, "client handshake did not complete")
	require.NotNil(t, serverCbs, "server never accepted the connection")
	require.True(t, serverCbs.established, "server handshake did not complete")

	// Server hands the stack a buffer to receive into before any data
	// arrives, per the Connection contract.
	require.NoError(t, serverCbs.conn.SetRecvBuf(buf.New(serverCbs.recvBuf)))

	payload := []byte("hello, stack")
	clientSendBuf := make([]byte, len(payload))
	copy(clientSendBuf, payload)
	require.NoError(t, conn.SetSendBuf(buf.New(clientSendBuf)))

	pump(t, clientPipe, clientSink, serverPipe, serverSink)

	require.Equal(t, len(payload), serverCbs.lastN, "server did not observe the client's data")
	require.Equal(t, payload, serverCbs.recvBuf[:serverCbs.lastN], "deliverData must copy straight into the buffer SetRecvBuf installed")
}

// serverEcho/clientEcho split the two ends of the handshake test apart so
// each side's assertions stay simple (the server needs to capture how
// much data arrived; the client only needs to know the handshake finished).
type serverEcho struct {
	conn        *tcp.Connection
	established bool
	lastN       int
	recvBuf     []byte
}

func (s *serverEcho) ConnectionEstablished()    { s.established = true }
func (s *serverEcho) DataReceived(n int)        { s.lastN = n }
func (s *serverEcho) DataSent(n int)            {}
func (s *serverEcho) ConnectionAborted(err error) {}

type clientEcho struct {
	conn        *tcp.Connection
	established bool
	sentN       int
}

func (c *clientEcho) ConnectionEstablished()    { c.established = true }
func (c *clientEcho) DataReceived(n int)        {}
func (c *clientEcho) DataSent(n int)            { c.sentN += n }
func (c *clientEcho) ConnectionAborted(err error) {}

// udpEchoListener answers every datagram it receives with the same bytes,
// reversed, so the test can tell a reply apart from the original request.
type udpEchoListener struct {
	st *stack.Stack
}

func (l *udpEchoListener) HandleDatagram(info ipstack.RxInfo, srcPort, dstPort uint16, data []byte) {
	reply := make([]byte, len(data))
	for i, b := range data {
		reply[len(data)-1-i] = b
	}
	_ = l.st.UDP().Send(info.Header.Dst, info.Header.Src, dstPort, srcPort, reply, nil)
}

type udpCapture struct {
	replies [][]byte
}

func (c *udpCapture) HandleDatagram(info ipstack.RxInfo, srcPort uint16, data []byte) udp.Verdict {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.replies = append(c.replies, cp)
	return udp.AcceptStop
}

func TestStackUDPEcho(t *testing.T) {
	fc := clockwork.NewFakeClock()

	clientSt, clientPipe, clientSink := newNode(t, fc, "eth0", macClient, addrClient)
	serverSt, serverPipe, serverSink := newNode(t, fc, "eth0", macServer, addrServer)

	seedARP(t, clientSt, "eth0", macClient, addrClient, macServer, addrServer, fc)
	seedARP(t, serverSt, "eth0", macServer, addrServer, macClient, addrClient, fc)

	_, err := serverSt.UDP().Listen(addrServer, 7, &udpEchoListener{st: serverSt})
	require.NoError(t, err)

	capture := &udpCapture{}
	require.NoError(t, clientSt.UDP().Associate(addrClient, 5000, addrServer, 7, capture))

	require.NoError(t, clientSt.UDP().Send(addrClient, addrServer, 5000, 7, []byte("ping"), nil))

	// Inspect the request's IP header on the wire before handing it off,
	// the same diff-based comparison the teacher's tests reach for
	// (google/go-cmp) rather than field-by-field require.Equal calls.
	requestFrames := clientPipe.Sent()
	require.Len(t, requestFrames, 1)
	gotFullHeader, _, err := wire.DecodeIPv4(requestFrames[0].Payload)
	require.NoError(t, err)
	type addressing struct {
		TTL      uint8
		Protocol layers.IPProtocol
		Src, Dst ip4.Addr
	}
	want := addressing{TTL: 64, Protocol: layers.IPProtocolUDP, Src: addrClient, Dst: addrServer}
	got := addressing{TTL: gotFullHeader.TTL, Protocol: gotFullHeader.Protocol, Src: gotFullHeader.Src, Dst: gotFullHeader.Dst}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("request IP header mismatch (-want +got):\n%s", diff)
	}
	serverSink.RecvFrame(requestFrames[0].EthType, nil, requestFrames[0].Payload)

	pump(t, clientPipe, clientSink, serverPipe, serverSink)

	require.Len(t, capture.replies, 1)
	require.Equal(t, []byte("gnip"), capture.replies[0])
}
