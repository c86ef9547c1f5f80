// Package ipstack implements the IPv4 send/receive pipeline: routing,
// fragmentation and reassembly, the PMTU cache, and the fast-path send
// used by TCP. It is grounded on spec.md §4.3/§4.4, with no direct
// teacher analog (doublezerod forwards via the kernel), but its error
// taxonomy follows the sentinel-error idiom already used by the
// teacher's deleted internal/routing package (ErrTunnelExists,
// ErrAddressExists, ErrRuleExists, all checked with errors.Is).
package ipstack

import "errors"

// The sentinel errors below cover IP routing/send, PMTU, address reuse
// and connection teardown, and are checked with errors.Is. They are not
// the only errors in the stack: Send passes ARP resolution errors such
// as arpcache.ErrQueryInProgress through unchanged, and tcp and udp
// report port exhaustion with package-local errors of their own.
// ErrNoHardwareRoute and ErrNoPortAvailable are declared here but no
// code path returns them.
var (
	ErrNoRoute             = errors.New("ipstack: no route to destination")
	ErrNoHardwareRoute     = errors.New("ipstack: arp has no entry for destination")
	ErrFragNeeded          = errors.New("ipstack: fragmentation needed but not permitted")
	ErrBroadcastRejected   = errors.New("ipstack: destination is broadcast and AllowBroadcast not set")
	ErrNonlocalSrc         = errors.New("ipstack: source is not the outgoing interface's address")
	ErrNoHeaderSpace       = errors.New("ipstack: buffer lacks reserved header space")
	ErrNoMtuEntryAvailable = errors.New("ipstack: pmtu cache full")
	ErrNoPortAvailable     = errors.New("ipstack: no ephemeral port available")
	ErrAddrInUse           = errors.New("ipstack: address already in use")
	ErrMalformedPacket     = errors.New("ipstack: malformed packet")
	ErrConnectionAborted   = errors.New("ipstack: connection aborted")
	ErrConnectionReset     = errors.New("ipstack: connection reset by peer")
)
