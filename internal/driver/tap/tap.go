//go:build linux

// Package tap implements internal/driver.Driver over a Linux TAP
// device, giving the stack a real Ethernet-frame source/sink without
// needing a physical NIC. It is grounded on the teacher's netlink usage
// in internal/routing/netlink.go (vishvananda/netlink for link
// creation and bring-up) combined with the standard ioctl dance for
// opening /dev/net/tun in TAP mode.
package tap

import (
	"fmt"
	"net"
	"os"
	"unsafe"

	"github.com/google/gopacket/layers"
	nl "github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/quietstack/ipstack/internal/driver"
	"github.com/quietstack/ipstack/internal/wire"
)

const (
	tunDevPath = "/dev/net/tun"
	ifNameSize = 16
	mtuDefault = 1500
)

// ifReq mirrors struct ifreq's first two fields, which is all TUNSETIFF
// needs: a null-terminated interface name followed by the flags word.
type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// Driver owns one TAP device's file descriptor and its paired netlink
// link handle.
type Driver struct {
	file *os.File
	name string
	mac  net.HardwareAddr
	mtu  int
	sink driver.FrameSink
}

// Open creates (or attaches to) the TAP interface named name, brings it
// up, and returns a Driver ready to Recv/Send frames on it.
func Open(name string) (*Driver, error) {
	f, err := os.OpenFile(tunDevPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open %s: %w", tunDevPath, err)
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("tap: TUNSETIFF %s: %w", name, errno)
	}

	link, err := nl.LinkByName(name)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tap: lookup link %s: %w", name, err)
	}
	if err := nl.LinkSetUp(link); err != nil {
		f.Close()
		return nil, fmt.Errorf("tap: bring up %s: %w", name, err)
	}

	attrs := link.Attrs()
	mtu := attrs.MTU
	if mtu == 0 {
		mtu = mtuDefault
	}

	return &Driver{
		file: f,
		name: name,
		mac:  attrs.HardwareAddr,
		mtu:  mtu,
	}, nil
}

// Attach registers sink as the receiver for frames read off the TAP
// device by Run.
func (d *Driver) Attach(sink driver.FrameSink) { d.sink = sink }

// Run blocks reading frames from the TAP device and dispatching them to
// the attached sink, until the device is closed. Intended to run in its
// own goroutine at the host's discretion; the stack it feeds remains
// single-threaded (Run only ever calls into the sink, never concurrently
// with itself).
func (d *Driver) Run() error {
	buf := make([]byte, 65536)
	for {
		n, err := d.file.Read(buf)
		if err != nil {
			return err
		}
		eth, payload, err := wire.DecodeEthernet(buf[:n])
		if err != nil {
			continue
		}
		if d.sink != nil {
			d.sink.RecvFrame(eth.EthernetType, eth.SrcMAC, payload)
		}
	}
}

func (d *Driver) SendFrame(dst net.HardwareAddr, ethType layers.EthernetType, payload []byte) error {
	frame, err := wire.EncodeEthernet(dst, d.mac, ethType, payload)
	if err != nil {
		return err
	}
	_, err = d.file.Write(frame)
	return err
}

func (d *Driver) HardwareAddr() net.HardwareAddr { return d.mac }
func (d *Driver) MTU() int                       { return d.mtu }
func (d *Driver) Close() error                   { return d.file.Close() }
