package tlv

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// Unmarshaler is implemented by field types that decode their own value.
type Unmarshaler interface {
	UnmarshalTLV(value []byte) error
}

var packetsType = reflect.TypeFor[[]bertlv.TLV]()

// Unmarshal decodes BER-TLV data into the struct target points to.
//
// Fields are mapped with a `tlv:"84"` struct tag. Alternative tags are
// separated by '|', as in `tlv:"A5|85"`. A []bertlv.TLV field tagged
// `tlv:",unknown"` receives the packets no other field consumed.
//
// Supported field types are []byte (constructed values are re-encoded),
// string (hex), structs and pointers to structs (decoded recursively),
// slices of those for repeated tags, []bertlv.TLV (raw packets) and
// Unmarshaler.
func Unmarshal(data []byte, target any) error {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return fmt.Errorf("bertlv decode failed: %w", err)
	}
	return UnmarshalFromPackets(packets, target)
}

// UnmarshalFromPackets is Unmarshal for packets already decoded.
func UnmarshalFromPackets(packets []bertlv.TLV, target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a non-nil pointer to a struct, got %T", target)
	}
	v = v.Elem()
	t := v.Type()

	consumed := make([]bool, len(packets))
	unknown := -1
	for i := range t.NumField() {
		sf := t.Field(i)
		tags, opt, _ := strings.Cut(sf.Tag.Get("tlv"), ",")
		if !sf.IsExported() {
			continue
		}
		if opt == "unknown" {
			if sf.Type != packetsType {
				return fmt.Errorf("field %s: unknown packets need %s, got %s", sf.Name, packetsType, sf.Type)
			}
			unknown = i
			continue
		}
		if tags == "" {
			continue
		}

		for j, p := range packets {
			if !matchTag(p.Tag, tags) {
				continue
			}
			if err := decodeField(p, v.Field(i)); err != nil {
				return fmt.Errorf("field %s (tag %s): %w", sf.Name, strings.ToUpper(p.Tag), err)
			}
			consumed[j] = true
		}
	}

	if unknown >= 0 {
		var rest []bertlv.TLV
		for j, p := range packets {
			if !consumed[j] {
				rest = append(rest, p)
			}
		}
		v.Field(unknown).Set(reflect.ValueOf(rest))
	}
	return nil
}

func matchTag(tag, alternatives string) bool {
	for _, alt := range strings.Split(alternatives, "|") {
		if strings.EqualFold(tag, strings.TrimSpace(alt)) {
			return true
		}
	}
	return false
}

// decodeField stores p in f. Repeated tags append to slice fields.
func decodeField(p bertlv.TLV, f reflect.Value) error {
	if f.Type() == packetsType {
		f.Set(reflect.Append(f, reflect.ValueOf(p)))
		return nil
	}
	if f.Kind() == reflect.Slice && !isBytes(f.Type()) {
		elem := reflect.New(f.Type().Elem()).Elem()
		if err := decodeValue(p, elem); err != nil {
			return err
		}
		f.Set(reflect.Append(f, elem))
		return nil
	}
	return decodeValue(p, f)
}

func decodeValue(p bertlv.TLV, f reflect.Value) error {
	if u, ok := f.Addr().Interface().(Unmarshaler); ok {
		return u.UnmarshalTLV(Value(p))
	}

	switch {
	case isBytes(f.Type()):
		f.SetBytes(Value(p))
	case f.Kind() == reflect.String:
		f.SetString(hex.EncodeToString(Value(p)))
	case f.Kind() == reflect.Struct:
		return decodeNested(p, f.Addr().Interface())
	case f.Kind() == reflect.Pointer && f.Type().Elem().Kind() == reflect.Struct:
		if f.IsNil() {
			f.Set(reflect.New(f.Type().Elem()))
		}
		return decodeNested(p, f.Interface())
	default:
		return fmt.Errorf("unsupported field type %s", f.Type())
	}
	return nil
}

func decodeNested(p bertlv.TLV, target any) error {
	if len(p.TLVs) > 0 {
		return UnmarshalFromPackets(p.TLVs, target)
	}
	return Unmarshal(p.Value, target)
}

func isBytes(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
}
