package scardtransport

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ebfe/scard"
	"github.com/gregLibert/nfc-pcsc/pkg/pcsc"
)

func shareMode(m pcsc.ShareMode) (scard.ShareMode, error) {
	switch m {
	case pcsc.ShareExclusive:
		return scard.ShareExclusive, nil
	case pcsc.ShareShared:
		return scard.ShareShared, nil
	case pcsc.ShareDirect:
		return scard.ShareDirect, nil
	default:
		return 0, fmt.Errorf("unsupported share mode %d", m)
	}
}

// protocol maps the preferred protocols. Direct connections pass
// pcsc.ProtocolUndefined.
func protocol(p pcsc.Protocol) scard.Protocol {
	var out scard.Protocol
	if p&pcsc.ProtocolT0 != 0 {
		out |= scard.ProtocolT0
	}
	if p&pcsc.ProtocolT1 != 0 {
		out |= scard.ProtocolT1
	}
	if out == 0 {
		return scard.ProtocolUndefined
	}
	return out
}

func disposition(d pcsc.Disposition) scard.Disposition {
	switch d {
	case pcsc.ResetCard:
		return scard.ResetCard
	case pcsc.UnpowerCard:
		return scard.UnpowerCard
	case pcsc.EjectCard:
		return scard.EjectCard
	default:
		return scard.LeaveCard
	}
}

// statusFlags drops the event counter pcsc-lite keeps in the upper 16 bits.
func statusFlags(f scard.StateFlag) pcsc.StateFlag {
	return pcsc.StateFlag(f & 0xFFFF)
}

// fitResponse fails when resp exceeds the caller's buffer.
func fitResponse(resp []byte, maxLen int) ([]byte, error) {
	if len(resp) > maxLen {
		return nil, fmt.Errorf("response of %d bytes exceeds %d: %w", len(resp), maxLen, scard.ErrInsufficientBuffer)
	}
	return resp, nil
}

// diffReaders compares the known readers with a fresh listing.
func diffReaders(known map[string]*reader, names []string) (added, removed []string) {
	listed := make(map[string]bool, len(names))
	for _, name := range names {
		listed[name] = true
		if _, ok := known[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range known {
		if !listed[name] {
			removed = append(removed, name)
		}
	}
	slices.Sort(added)
	slices.Sort(removed)
	return added, removed
}

// readerStates builds the GetStatusChange request: one entry per watched
// reader, in order, then the PnP pseudo reader.
func readerStates(watched []*reader, pnp bool, pnpState scard.StateFlag) []scard.ReaderState {
	rs := make([]scard.ReaderState, 0, len(watched)+1)
	for _, r := range watched {
		rs = append(rs, scard.ReaderState{Reader: r.name, CurrentState: r.last})
	}
	if pnp {
		rs = append(rs, scard.ReaderState{Reader: pnpReader, CurrentState: pnpState})
	}
	return rs
}

func sortReaders(rs []*reader) {
	slices.SortFunc(rs, func(a, b *reader) int { return strings.Compare(a.name, b.name) })
}
