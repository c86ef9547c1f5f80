package icmp_test

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/quietstack/ipstack/internal/arpcache"
	"github.com/quietstack/ipstack/internal/driver"
	"github.com/quietstack/ipstack/internal/icmp"
	"github.com/quietstack/ipstack/internal/iface"
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/ipstack"
	"github.com/quietstack/ipstack/internal/wire"
)

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

	// Pre-learn the peer so echo replies don't stall on ARP.
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

func TestEchoRequestProducesEchoReply(t *testing.T) {
	ip, ifc, pipe, fc := newTestLayer(t)
	m := icmp.New(icmp.Config{}, ip, fc)
	ip.RegisterHandler(layers.IPProtocolICMPv4, m)
	ip.SetICMP(m)

	peer := ip4.Addr{10, 0, 0, 9}
	echoReq := wire.ICMPv4Header{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 42, Seq: 1}
	icmpRaw, err := wire.EncodeICMPv4(echoReq, []byte("hello"))
	require.NoError(t, err)
	ipRaw, err := wire.EncodeIPv4(wire.IPv4Header{TTL: 64, Protocol: layers.IPProtocolICMPv4, Src: peer, Dst: ifc.Addr}, icmpRaw)
	require.NoError(t, err)

	ip.RecvFrame(ifc, layers.EthernetTypeIPv4, ipRaw, fc.Now())

	sent := pipe.Sent()
	require.Len(t, sent, 1)
	gotIPHeader, gotICMPRaw, err := wire.DecodeIPv4(sent[0].Payload)
	require.NoError(t, err)
	require.Equal(t, ifc.Addr, gotIPHeader.Src)
	require.Equal(t, peer, gotIPHeader.Dst)

	gotICMP, gotData, err := wire.DecodeICMPv4(gotICMPRaw)
	require.NoError(t, err)
	require.Equal(t, layers.ICMPv4TypeEchoReply, gotICMP.TypeCode.Type())
	require.Equal(t, uint16(42), gotICMP.Id)
	require.Equal(t, []byte("hello"), gotData)
}

func TestDestUnreachableEmittedForUnclaimedProtocol(t *testing.T) {
	ip, ifc, pipe, fc := newTestLayer(t)
	m := icmp.New(icmp.Config{}, ip, fc)
	ip.SetICMP(m)

	peer := ip4.Addr{10, 0, 0, 9}
	ipRaw, err := wire.EncodeIPv4(wire.IPv4Header{TTL: 64, Protocol: layers.IPProtocolUDP, Src: peer, Dst: ifc.Addr}, []byte("udpdata"))
	require.NoError(t, err)

	ip.RecvFrame(ifc, layers.EthernetTypeIPv4, ipRaw, fc.Now())

	sent := pipe.Sent()
	require.Len(t, sent, 1)
	_, icmpRaw, err := wire.DecodeIPv4(sent[0].Payload)
	require.NoError(t, err)
	gotICMP, _, err := wire.DecodeICMPv4(icmpRaw)
	require.NoError(t, err)
	require.Equal(t, layers.ICMPv4TypeDestinationUnreachable, gotICMP.TypeCode.Type())
}
