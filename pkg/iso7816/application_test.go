package iso7816

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gregLibert/nfc-pcsc/pkg/tlv"
	"github.com/moov-io/bertlv"
)

func TestParseApplication(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want *Application
	}{
		{
			name: "FCI with proprietary template",
			data: tlv.Hex(
				"6F 13",
				"84 07 D2760000850101",
				"A5 08",
				"50 03 4E4643", // "NFC"
				"87 01 01",
			),
			want: &Application{
				DFName:      tlv.Hex("D2760000850101"),
				Label:       []byte("NFC"),
				Priority:    tlv.Hex("01"),
				Proprietary: tlv.Hex("50 03 4E4643 87 01 01"),
			},
		},
		{
			name: "FCP template",
			data: tlv.Hex("62 07 84 05 F222222222"),
			want: &Application{DFName: tlv.Hex("F222222222")},
		},
		{
			name: "Unmapped tags are kept",
			data: tlv.Hex("6F 08", "84 02 F222", "9F08 01 02"),
			want: &Application{
				DFName:  tlv.Hex("F222"),
				Unknown: []bertlv.TLV{{Tag: "9F08", Value: tlv.Hex("02")}},
			},
		},
		{
			name: "Empty payload",
			data: nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseApplication(tt.data)
			if err != nil {
				t.Fatalf("ParseApplication error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseApplication_Opaque(t *testing.T) {
	if _, err := ParseApplication(tlv.Hex("C1 02 0304")); err == nil {
		t.Error("expected error for proprietary payload")
	}
}

func TestApplication_String(t *testing.T) {
	app := &Application{DFName: tlv.Hex("F222222222"), Label: []byte("a\x01b")}
	if got, want := app.String(), `AID F222222222, label "a.b"`; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	var none *Application
	if got := none.String(); got != "<no FCI>" {
		t.Errorf("nil String() = %q", got)
	}
}
