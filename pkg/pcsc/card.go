package pcsc

import (
	"bytes"
	"fmt"

	"github.com/gregLibert/nfc-pcsc/pkg/iso7816"
)

// Standard is the proximity card profile derived from the ATR.
type Standard int

const (
	// ISO14443_3 covers memory cards (MIFARE Classic, Ultralight) reached
	// through the reader's pseudo-APDUs.
	ISO14443_3 Standard = iota + 1
	// ISO14443_4 covers cards that run applications selected by AID.
	ISO14443_4
)

func (s Standard) String() string {
	switch s {
	case ISO14443_3:
		return "TAG_ISO_14443_3"
	case ISO14443_4:
		return "TAG_ISO_14443_4"
	default:
		return fmt.Sprintf("Standard(%d)", int(s))
	}
}

// atrMemoryCardMarker is the historical-bytes category indicator PC/SC
// readers put at offset 5 when they synthesize an ATR for a memory card.
const atrMemoryCardMarker = 0x4F

// SelectStandardByATR returns ISO14443_3 when byte 5 of atr is 0x4F and
// ISO14443_4 otherwise.
func SelectStandardByATR(atr []byte) Standard {
	if len(atr) > 5 && atr[5] == atrMemoryCardMarker {
		return ISO14443_3
	}
	return ISO14443_4
}

// Card is a snapshot of the card in the field. Handlers receive copies.
type Card struct {
	ATR      []byte
	Standard Standard
	// UID is the lower-case hex UID, set once GET UID succeeded.
	UID string
	// Data is the SELECT response payload of an ISO 14443-4 card.
	Data []byte
}

func newCard(atr []byte) Card {
	return Card{
		ATR:      bytes.Clone(atr),
		Standard: SelectStandardByATR(atr),
	}
}

func (c Card) clone() Card {
	c.ATR = bytes.Clone(c.ATR)
	c.Data = bytes.Clone(c.Data)
	return c
}

// Application decodes Data as the FCI returned by SELECT.
// It returns nil, nil when the card sent no payload.
func (c Card) Application() (*iso7816.Application, error) {
	return iso7816.ParseApplication(c.Data)
}

func (c Card) String() string {
	switch {
	case c.UID != "":
		return fmt.Sprintf("%s uid=%s", c.Standard, c.UID)
	case len(c.Data) > 0:
		return fmt.Sprintf("%s data=%X", c.Standard, c.Data)
	default:
		return fmt.Sprintf("%s atr=%X", c.Standard, c.ATR)
	}
}
