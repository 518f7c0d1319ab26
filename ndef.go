package main

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hsanjuan/go-ndef"
)

// NFC Forum Type 2 tag TLV blocks found in user memory.
const (
	tlvNull       = 0x00
	tlvNDEF       = 0x03
	tlvTerminator = 0xFE
)

var errNoNDEF = errors.New("no NDEF message")

// ndefPayload returns the value of the first NDEF TLV in data.
func ndefPayload(data []byte) ([]byte, error) {
	for i := 0; i < len(data); {
		t := data[i]
		switch t {
		case tlvNull:
			i++
			continue
		case tlvTerminator:
			return nil, errNoNDEF
		}
		if i+1 >= len(data) {
			return nil, fmt.Errorf("truncated TLV 0x%02X at offset %d", t, i)
		}

		length, header := int(data[i+1]), 2
		if data[i+1] == 0xFF {
			if i+4 > len(data) {
				return nil, fmt.Errorf("truncated TLV 0x%02X at offset %d", t, i)
			}
			length, header = int(binary.BigEndian.Uint16(data[i+2:i+4])), 4
		}
		start, end := i+header, i+header+length
		if end > len(data) {
			return nil, fmt.Errorf("TLV 0x%02X at offset %d needs %d bytes, %d read", t, i, length, len(data)-start)
		}
		if t == tlvNDEF {
			return data[start:end], nil
		}
		i = end
	}
	return nil, errNoNDEF
}

// decodeNDEF parses the NDEF message held in memory card data.
func decodeNDEF(data []byte) (*ndef.Message, error) {
	payload, err := ndefPayload(data)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errNoNDEF
	}
	msg := &ndef.Message{}
	if _, err := msg.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("parse NDEF message: %w", err)
	}
	return msg, nil
}
