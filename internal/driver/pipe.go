package driver

import (
	"errors"
	"net"

	"github.com/google/gopacket/layers"
)

// Pipe is an in-memory Driver test double: frames sent on one end are
// recorded, and can be delivered to a paired Pipe's sink to simulate two
// interfaces on the same wire without a kernel TAP device.
type Pipe struct {
	mac  net.HardwareAddr
	mtu  int
	sink FrameSink
	sent []Frame
}

// Frame is one frame handed to Pipe.SendFrame, captured for assertions.
type Frame struct {
	Dst     net.HardwareAddr
	EthType layers.EthernetType
	Payload []byte
}

// NewPipe constructs a Pipe with the given link address and MTU.
func NewPipe(mac net.HardwareAddr, mtu int) *Pipe {
	return &Pipe{mac: mac, mtu: mtu}
}

// Attach registers sink as the receiver for frames delivered to this
// Pipe via Deliver. Tests wire two Pipes together by attaching each
// one's sink and calling Deliver on the other.
func (p *Pipe) Attach(sink FrameSink) { p.sink = sink }

func (p *Pipe) SendFrame(dst net.HardwareAddr, ethType layers.EthernetType, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	p.sent = append(p.sent, Frame{Dst: dst, EthType: ethType, Payload: cp})
	return nil
}

func (p *Pipe) HardwareAddr() net.HardwareAddr { return p.mac }
func (p *Pipe) MTU() int                       { return p.mtu }
func (p *Pipe) Close() error                   { return nil }

// Sent returns and clears the frames recorded so far.
func (p *Pipe) Sent() []Frame {
	s := p.sent
	p.sent = nil
	return s
}

// Deliver hands payload to the attached sink as if it arrived on the
// wire from src.
func (p *Pipe) Deliver(ethType layers.EthernetType, src net.HardwareAddr, payload []byte) error {
	if p.sink == nil {
		return errors.New("driver: pipe has no attached sink")
	}
	p.sink.RecvFrame(ethType, src, payload)
	return nil
}
