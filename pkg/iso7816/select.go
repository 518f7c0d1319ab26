package iso7816

import "fmt"

// SELECT (INS 'A4') opens an application or file on an ISO 14443-4 card.
//
// P1 chooses how the target is named, P2 bits 4-3 what the card returns.
// Contactless readers expect Le on the SELECT by AID they forward, so the
// builders here always ask for up to 256 bytes of FCI.

// SelectionMethod defines how the file is targeted (P1).
type SelectionMethod byte

const (
	SelectByFileID   SelectionMethod = 0x00
	SelectByDFName   SelectionMethod = 0x04 // Select by AID
	SelectPathFromMF SelectionMethod = 0x08
)

func (s SelectionMethod) String() string {
	switch s {
	case SelectByFileID:
		return "Select by File ID"
	case SelectByDFName:
		return "Select by DF Name (AID)"
	case SelectPathFromMF:
		return "Select Path from MF"
	default:
		return fmt.Sprintf("Unknown Method (0x%02X)", byte(s))
	}
}

// SelectionControl defines what data to return (Bits 3-4 of P2).
type SelectionControl byte

const (
	ReturnFCI    SelectionControl = 0b0000_00_00
	ReturnFCP    SelectionControl = 0b0000_01_00
	ReturnNoData SelectionControl = 0b0000_11_00
)

// NewSelectCommand creates a SELECT command for the first occurrence of target.
func NewSelectCommand(method SelectionMethod, ctrl SelectionControl, target []byte) *CommandAPDU {
	ne := MaxShortLe
	if ctrl == ReturnNoData {
		ne = 0
	}
	return NewCommandAPDU(ClassInterindustry, INS_SELECT, byte(method), byte(ctrl), target, ne)
}

// SelectAID builds `00 A4 04 00 <len> <AID> 00`.
func SelectAID(aid []byte) (*CommandAPDU, error) {
	if len(aid) == 0 || len(aid) > 16 {
		return nil, fmt.Errorf("invalid AID length %d: must be 1 to 16 bytes", len(aid))
	}
	return NewSelectCommand(SelectByDFName, ReturnFCI, aid), nil
}
