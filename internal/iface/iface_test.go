package iface_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/iface"
)

func TestLookupPrefersLongestPrefix(t *testing.T) {
	tbl := iface.NewTable()
	lan := &iface.Interface{Name: "lan0"}
	wan := &iface.Interface{Name: "wan0"}

	tbl.Add(ip4.Addr{0, 0, 0, 0}, ip4.Mask{0, 0, 0, 0}, ip4.Addr{203, 0, 113, 1}, wan)
	tbl.Add(ip4.Addr{192, 168, 1, 0}, ip4.Mask{255, 255, 255, 0}, ip4.Addr{}, lan)

	got, nextHop, err := tbl.Lookup(ip4.Addr{192, 168, 1, 50})
	require.NoError(t, err)
	require.Same(t, lan, got)
	require.Equal(t, ip4.Addr{192, 168, 1, 50}, nextHop, "directly connected route returns dst as next hop")

	got, nextHop, err = tbl.Lookup(ip4.Addr{8, 8, 8, 8})
	require.NoError(t, err)
	require.Same(t, wan, got)
	require.Equal(t, ip4.Addr{203, 0, 113, 1}, nextHop)
}

func TestLookupNoRoute(t *testing.T) {
	tbl := iface.NewTable()
	_, _, err := tbl.Lookup(ip4.Addr{10, 0, 0, 1})
	require.ErrorIs(t, err, iface.ErrNoRoute)
}

func TestAddReplacesExistingRoute(t *testing.T) {
	tbl := iface.NewTable()
	a := &iface.Interface{Name: "a"}
	b := &iface.Interface{Name: "b"}

	net_ := ip4.Addr{10, 0, 0, 0}
	mask := ip4.Mask{255, 0, 0, 0}
	tbl.Add(net_, mask, ip4.Addr{}, a)
	tbl.Add(net_, mask, ip4.Addr{}, b)

	got, _, err := tbl.Lookup(ip4.Addr{10, 1, 2, 3})
	require.NoError(t, err)
	require.Same(t, b, got)
}
