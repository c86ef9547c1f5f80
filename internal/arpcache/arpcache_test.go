package arpcache_test

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/quietstack/ipstack/internal/arpcache"
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/wire"
)

type fakeTx struct {
	sent []sentFrame
}

type sentFrame struct {
	dst     net.HardwareAddr
	ethType layers.EthernetType
	msg     wire.ARPMessage
}

func (f *fakeTx) SendFrame(dst net.HardwareAddr, ethType layers.EthernetType, payload []byte) error {
	msg, err := wire.DecodeARP(payload)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sentFrame{dst: dst, ethType: ethType, msg: msg})
	return nil
}

type fakeWaiter struct {
	mac net.HardwareAddr
	ok  bool
	n   int
}

func (w *fakeWaiter) ArpResolved(mac net.HardwareAddr, ok bool) {
	w.mac, w.ok, w.n = mac, ok, w.n+1
}

func newTestCache(t *testing.T, numEntries, protect int) (*arpcache.Cache, *fakeTx, clockwork.FakeClock) {
	t.Helper()
	tx := &fakeTx{}
	fc := clockwork.NewFakeClock()
	cfg := arpcache.Config{
		LocalMAC:     net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		LocalIP:      ip4.Addr{192, 168, 1, 1},
		Netmask:      ip4.Mask{255, 255, 255, 0},
		NumEntries:   numEntries,
		ProtectCount: protect,
	}
	c, err := arpcache.New(cfg, tx, fc)
	require.NoError(t, err)
	return c, tx, fc
}

func TestResolveBroadcastNeverConsumesEntry(t *testing.T) {
	c, _, fc := newTestCache(t, 4, 1)
	mac, err := c.Resolve(ip4.Broadcast, false, nil, fc.Now())
	require.NoError(t, err)
	require.Equal(t, wire.BroadcastMAC, mac)
	require.Equal(t, 0, c.Len())
}

func TestResolveUnknownQueuesAndRetries(t *testing.T) {
	c, tx, fc := newTestCache(t, 4, 1)
	target := ip4.Addr{192, 168, 1, 42}

	w := &fakeWaiter{}
	_, err := c.Resolve(target, true, w, fc.Now())
	require.ErrorIs(t, err, arpcache.ErrQueryInProgress)
	require.Len(t, tx.sent, 1)
	require.Equal(t, layers.ARPRequest, tx.sent[0].msg.Operation)
	require.Equal(t, wire.BroadcastMAC, tx.sent[0].dst)

	fc.Advance(2 * time.Second)
	c.Tick(fc.Now())
	require.Len(t, tx.sent, 2, "a retry should have fired")
}

func TestObserveThenReplyResolvesWaiters(t *testing.T) {
	c, _, fc := newTestCache(t, 4, 1)
	target := ip4.Addr{192, 168, 1, 42}
	targetMAC := net.HardwareAddr{0xaa, 0, 0, 0, 0, 2}

	w := &fakeWaiter{}
	_, err := c.Resolve(target, true, w, fc.Now())
	require.ErrorIs(t, err, arpcache.ErrQueryInProgress)

	c.HandleFrame(wire.ARPMessage{
		Operation: layers.ARPReply,
		SenderMAC: targetMAC,
		SenderIP:  target,
		TargetMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		TargetIP:  ip4.Addr{192, 168, 1, 1},
	}, fc.Now())

	require.Equal(t, 1, w.n)
	require.True(t, w.ok)
	require.Equal(t, targetMAC, w.mac)

	mac, state, ok := c.Lookup(target)
	require.True(t, ok)
	require.Equal(t, arpcache.StateValid, state)
	require.Equal(t, targetMAC, mac)
}

func TestRequestForOurAddressIsAnswered(t *testing.T) {
	c, tx, fc := newTestCache(t, 4, 1)
	sender := ip4.Addr{192, 168, 1, 50}
	senderMAC := net.HardwareAddr{0xbb, 0, 0, 0, 0, 3}

	c.HandleFrame(wire.ARPMessage{
		Operation: layers.ARPRequest,
		SenderMAC: senderMAC,
		SenderIP:  sender,
		TargetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0},
		TargetIP:  ip4.Addr{192, 168, 1, 1},
	}, fc.Now())

	require.Len(t, tx.sent, 1)
	require.Equal(t, layers.ARPReply, tx.sent[0].msg.Operation)
	require.Equal(t, senderMAC, tx.sent[0].dst)

	_, state, ok := c.Lookup(sender)
	require.True(t, ok)
	require.Equal(t, arpcache.StateValid, state)
}

func TestEvictionProtectsHardEntriesFromWeakChurn(t *testing.T) {
	c, _, fc := newTestCache(t, 2, 1)

	hardIP := ip4.Addr{192, 168, 1, 10}
	_, err := c.Resolve(hardIP, true, nil, fc.Now())
	require.ErrorIs(t, err, arpcache.ErrQueryInProgress)
	c.HandleFrame(wire.ARPMessage{
		Operation: layers.ARPReply,
		SenderMAC: net.HardwareAddr{1, 1, 1, 1, 1, 1},
		SenderIP:  hardIP,
		TargetIP:  ip4.Addr{192, 168, 1, 1},
	}, fc.Now())

	// Learn a second, weak entry: fills the arena (NumEntries=2).
	weakIP := ip4.Addr{192, 168, 1, 11}
	c.HandleFrame(wire.ARPMessage{
		Operation: layers.ARPReply,
		SenderMAC: net.HardwareAddr{2, 2, 2, 2, 2, 2},
		SenderIP:  weakIP,
		TargetIP:  ip4.Addr{192, 168, 1, 1},
	}, fc.Now())
	require.Equal(t, 2, c.Len())

	// A third weak observation must evict the existing weak entry, not
	// the protected hard one, since hard count (1) does not exceed
	// ProtectCount (1).
	thirdIP := ip4.Addr{192, 168, 1, 12}
	c.HandleFrame(wire.ARPMessage{
		Operation: layers.ARPReply,
		SenderMAC: net.HardwareAddr{3, 3, 3, 3, 3, 3},
		SenderIP:  thirdIP,
		TargetIP:  ip4.Addr{192, 168, 1, 1},
	}, fc.Now())

	_, _, hardStillThere := c.Lookup(hardIP)
	require.True(t, hardStillThere)
	_, _, weakGone := c.Lookup(weakIP)
	require.False(t, weakGone)
}

// TestValidLifetimeExpiryIsLazy covers spec.md §4.2: a Valid entry's
// lifetime timer firing must not itself send anything or change state;
// only the next Resolve call promotes it to Refreshing and probes.
func TestValidLifetimeExpiryIsLazy(t *testing.T) {
	c, tx, fc := newTestCache(t, 4, 1)
	target := ip4.Addr{192, 168, 1, 42}
	targetMAC := net.HardwareAddr{0xaa, 0, 0, 0, 0, 2}

	c.HandleFrame(wire.ARPMessage{
		Operation: layers.ARPReply,
		SenderMAC: targetMAC,
		SenderIP:  target,
		TargetIP:  ip4.Addr{192, 168, 1, 1},
	}, fc.Now())
	_, state, ok := c.Lookup(target)
	require.True(t, ok)
	require.Equal(t, arpcache.StateValid, state)

	fc.Advance(61 * time.Second)
	c.Tick(fc.Now())

	// Idle past its lifetime: still Valid, still serving the cached MAC,
	// and no probe sent merely from the timer firing.
	mac, state, ok := c.Lookup(target)
	require.True(t, ok)
	require.Equal(t, arpcache.StateValid, state)
	require.Equal(t, targetMAC, mac)
	require.Len(t, tx.sent, 0)

	// The next use is what triggers the promotion and the unicast probe.
	mac, err := c.Resolve(target, true, nil, fc.Now())
	require.NoError(t, err)
	require.Equal(t, targetMAC, mac, "Refreshing still serves the last-known MAC")
	require.Len(t, tx.sent, 1)
	require.Equal(t, layers.ARPRequest, tx.sent[0].msg.Operation)
	require.Equal(t, targetMAC, tx.sent[0].dst, "refresh probe is unicast, not broadcast")

	_, state, ok = c.Lookup(target)
	require.True(t, ok)
	require.Equal(t, arpcache.StateRefreshing, state)
}

// TestRefreshingExhaustionDegradesToQuery covers spec.md §4.2: a
// Refreshing entry that exhausts its unicast retry budget restarts a
// broadcast Query with a full attempt budget rather than being freed.
func TestRefreshingExhaustionDegradesToQuery(t *testing.T) {
	c, tx, fc := newTestCache(t, 4, 1)
	target := ip4.Addr{192, 168, 1, 42}
	targetMAC := net.HardwareAddr{0xaa, 0, 0, 0, 0, 2}

	c.HandleFrame(wire.ARPMessage{
		Operation: layers.ARPReply,
		SenderMAC: targetMAC,
		SenderIP:  target,
		TargetIP:  ip4.Addr{192, 168, 1, 1},
	}, fc.Now())

	fc.Advance(61 * time.Second)
	c.Tick(fc.Now())
	_, err := c.Resolve(target, true, nil, fc.Now())
	require.NoError(t, err)
	_, state, _ := c.Lookup(target)
	require.Equal(t, arpcache.StateRefreshing, state)

	// Default RefreshAttempts is 2: two retries then exhaustion.
	for i := 0; i < 3; i++ {
		fc.Advance(8 * time.Second)
		c.Tick(fc.Now())
	}

	_, state, ok := c.Lookup(target)
	require.True(t, ok, "exhausted Refreshing degrades to Query, it is not freed")
	require.Equal(t, arpcache.StateQuery, state)

	last := tx.sent[len(tx.sent)-1]
	require.Equal(t, layers.ARPRequest, last.msg.Operation)
	require.Equal(t, wire.BroadcastMAC, last.dst, "degraded retry is a broadcast, not a unicast refresh")
}

func TestUnreachableAfterExhaustedAttemptsFreesEntry(t *testing.T) {
	c, _, fc := newTestCache(t, 4, 1)
	target := ip4.Addr{192, 168, 1, 99}
	w := &fakeWaiter{}

	_, err := c.Resolve(target, true, w, fc.Now())
	require.ErrorIs(t, err, arpcache.ErrQueryInProgress)

	// Default QueryAttempts is 3: three retries at 1s,2s,4s then give up.
	for i := 0; i < 4; i++ {
		fc.Advance(8 * time.Second)
		c.Tick(fc.Now())
	}

	require.Equal(t, 1, w.n)
	require.False(t, w.ok)
	require.Equal(t, 0, c.Len())
}
