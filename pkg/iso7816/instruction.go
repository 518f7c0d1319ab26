package iso7816

import "fmt"

// Instruction is the INS byte of a command APDU.
//
// Values whose upper nibble is 6 or 9 are reserved for status words by
// ISO/IEC 7816-3 and are never valid instructions.
type Instruction byte

// Instructions used by PC/SC contactless readers. Several PC/SC part 3
// pseudo-APDUs reuse ISO 7816-4 codes with a reader-specific meaning.
const (
	// INS_ESCAPE carries vendor commands (LED, buzzer) with CLA FF.
	INS_ESCAPE Instruction = 0x00
	// INS_LOAD_KEYS loads a key into a reader key slot (ISO: EXTERNAL AUTHENTICATE).
	INS_LOAD_KEYS Instruction = 0x82
	// INS_GENERAL_AUTHENTICATE authenticates a memory card block.
	INS_GENERAL_AUTHENTICATE Instruction = 0x86
	// INS_AUTHENTICATE_LEGACY is the obsolete PC/SC v2.01 authenticate form.
	INS_AUTHENTICATE_LEGACY Instruction = 0x88
	INS_SELECT              Instruction = 0xA4
	INS_READ_BINARY         Instruction = 0xB0
	INS_GET_RESPONSE        Instruction = 0xC0
	// INS_GET_DATA with CLA FF and P1 00 returns the card UID.
	INS_GET_DATA      Instruction = 0xCA
	INS_UPDATE_BINARY Instruction = 0xD6
)

var instructionNames = map[Instruction]string{
	INS_ESCAPE:               "ESCAPE",
	INS_LOAD_KEYS:            "LOAD KEYS",
	INS_GENERAL_AUTHENTICATE: "GENERAL AUTHENTICATE",
	INS_AUTHENTICATE_LEGACY:  "AUTHENTICATE (legacy)",
	INS_SELECT:               "SELECT",
	INS_READ_BINARY:          "READ BINARY",
	INS_GET_RESPONSE:         "GET RESPONSE",
	INS_GET_DATA:             "GET DATA",
	INS_UPDATE_BINARY:        "UPDATE BINARY",
}

// Validate rejects the '6X' and '9X' values reserved for status words.
func (i Instruction) Validate() error {
	high := byte(i) & 0xF0
	if high == 0x60 || high == 0x90 {
		return fmt.Errorf("invalid INS 0x%02X: 6X and 9X are reserved", byte(i))
	}
	return nil
}

func (i Instruction) String() string {
	if name, ok := instructionNames[i]; ok {
		return name
	}
	return fmt.Sprintf("INS(0x%02X)", byte(i))
}
