package iso7816

import (
	"fmt"
	"strings"

	"github.com/gregLibert/nfc-pcsc/pkg/tlv"
	"github.com/moov-io/bertlv"
)

// SELECT RESPONSE (ISO/IEC 7816-4):
//
// A successful SELECT by AID returns File Control Information describing the
// application. Cards wrap it in one of three templates:
//   - '6F' FCI: the usual wrapper, may hold '62' and '64'.
//   - '62' FCP: technical attributes (DF name '84').
//   - '64' FMD: administrative data (label '50').
//
// Proprietary data sits in '85' or 'A5'. Many contactless applications
// (NDEF, host card emulation) return no FCI at all, or opaque bytes that are
// not BER-TLV. ParseApplication only reports what it finds.

// Application is the decoded FCI of a selected application.
type Application struct {
	DFName      []byte `tlv:"84"` // the AID as reported by the card
	Label       []byte `tlv:"50"`
	Priority    []byte `tlv:"87"`
	Proprietary []byte `tlv:"A5|85"`

	// Unknown holds top-level tags not mapped above.
	Unknown []bertlv.TLV `tlv:",unknown"`
}

var templateTags = []string{"6F", "62", "64"}

// ParseApplication decodes the payload of a SELECT response.
// It returns nil, nil for an empty payload, and an error when the payload is
// not BER-TLV; callers keep the raw bytes in that case.
func ParseApplication(data []byte) (*Application, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] >= 0xC0 {
		return nil, fmt.Errorf("proprietary response (first byte %02X)", data[0])
	}

	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("BER-TLV decode failed: %w", err)
	}

	// Flatten the templates, FCI first so nested FCP/FMD are visited too.
	working := packets
	for _, tag := range templateTags {
		if p, ok := tlv.Find(working, tag); ok {
			working = append(removeTag(working, tag), p.TLVs...)
		}
	}

	app := &Application{}
	if err := tlv.UnmarshalFromPackets(working, app); err != nil {
		return nil, err
	}

	// Label and priority often sit inside the proprietary template.
	if app.Label == nil {
		app.Label, _ = tlv.Lookup(app.Proprietary, "50")
	}
	if app.Priority == nil {
		app.Priority, _ = tlv.Lookup(app.Proprietary, "87")
	}
	return app, nil
}

func removeTag(packets []bertlv.TLV, tag string) []bertlv.TLV {
	out := make([]bertlv.TLV, 0, len(packets))
	for _, p := range packets {
		if !strings.EqualFold(p.Tag, tag) {
			out = append(out, p)
		}
	}
	return out
}

// String returns a short description for logs.
func (a *Application) String() string {
	if a == nil {
		return "<no FCI>"
	}
	var parts []string
	if len(a.DFName) > 0 {
		parts = append(parts, fmt.Sprintf("AID %X", a.DFName))
	}
	if len(a.Label) > 0 {
		parts = append(parts, fmt.Sprintf("label %q", makeSafeASCII(a.Label)))
	}
	if len(a.Priority) > 0 {
		parts = append(parts, fmt.Sprintf("priority %X", a.Priority))
	}
	if len(a.Unknown) > 0 {
		parts = append(parts, fmt.Sprintf("%d unknown tags", len(a.Unknown)))
	}
	if len(parts) == 0 {
		return "<empty FCI>"
	}
	return strings.Join(parts, ", ")
}

func makeSafeASCII(data []byte) string {
	return strings.Map(func(r rune) rune {
		if r >= 32 && r <= 126 {
			return r
		}
		return '.'
	}, string(data))
}
