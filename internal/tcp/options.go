package tcp

import "github.com/google/gopacket/layers"

// defaultMSS is used whenever the peer's SYN carries no MSS option
// (spec.md §4.7: "Passive open accepts even without MSS option").
const defaultMSS = 536

// parsedOptions is what this module extracts from a SYN's option list;
// every other option (SACK-permitted, timestamps, ...) is tolerated but
// ignored on receive, per spec.md §6.
type parsedOptions struct {
	mss        uint16
	haveMSS    bool
	wndScale   uint8
	haveWScale bool
}

func parseOptions(opts []layers.TCPOption) parsedOptions {
	var p parsedOptions
	for _, o := range opts {
		switch o.OptionType {
		case layers.TCPOptionKindMSS:
			if len(o.OptionData) == 2 {
				p.mss = uint16(o.OptionData[0])<<8 | uint16(o.OptionData[1])
				p.haveMSS = true
			}
		case layers.TCPOptionKindWindowScale:
			if len(o.OptionData) == 1 {
				p.wndScale = o.OptionData[0]
				p.haveWScale = true
			}
		}
	}
	return p
}

// synOptions builds the option list this module sends on its own
// SYN/SYN|ACK segments: MSS always, window scale when sendWScale is set.
// Callers pass pcb.useWScale, which a passive open sets only when the
// peer's SYN carried the option and Connect always sets.
func synOptions(mss uint16, sendWScale bool, wscale uint8) []layers.TCPOption {
	opts := []layers.TCPOption{{
		OptionType:   layers.TCPOptionKindMSS,
		OptionLength: 4,
		OptionData:   []byte{byte(mss >> 8), byte(mss)},
	}}
	if sendWScale {
		opts = append(opts, layers.TCPOption{
			OptionType:   layers.TCPOptionKindWindowScale,
			OptionLength: 3,
			OptionData:   []byte{wscale},
		})
	}
	return opts
}
