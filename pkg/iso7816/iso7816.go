/*
Package iso7816 builds and parses the Application Protocol Data Units spoken by
contactless readers exposed through PC/SC.

Two command families share the same frame layout:

  - Interindustry commands (CLA 0x00) understood by the card itself, such as
    SELECT by AID on ISO/IEC 14443-4 cards.
  - PC/SC part 3 pseudo-APDUs (CLA 0xFF) understood by the reader, which
    translates them into card-specific RF frames: GET DATA (UID), LOAD KEYS,
    GENERAL AUTHENTICATE, READ BINARY and UPDATE BINARY for memory cards, and
    the vendor escape commands driving LEDs and buzzers.

# Status Words

Every response ends with a 2-byte Status Word. Only 0x9000 counts as success;
any other value is reported through a *StatusError that keeps the code for
diagnostics.

# Usage Example: Reading a UID

	raw, err := iso7816.GetUID().Bytes()
	if err != nil {
	    return err
	}
	resp, err := card.Transmit(raw)
	if err != nil {
	    return err
	}
	uid, err := iso7816.CheckResponse(resp)
	if err != nil {
	    return err // *StatusError or ErrResponseTooShort
	}
	fmt.Printf("UID: %x\n", uid)
*/
package iso7816
