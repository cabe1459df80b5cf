package logging

import "testing"

func TestMaskDID(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"long did keeps head and tail", "did:micro:alice-7f3a", "did:micr...7f3a"},
		{"short did fully redacted", "did:x", RedactedValue},
		{"whitespace trimmed", "  did:micro:bazil-91cc  ", "did:micr...91cc"},
		{"empty stays empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MaskDID(tc.in); got != tc.want {
				t.Fatalf("MaskDID(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestMaskValue(t *testing.T) {
	if got := MaskValue("rLenderCarol003"); got != RedactedValue {
		t.Fatalf("expected placeholder, got %q", got)
	}
	if got := MaskValue(""); got != "" {
		t.Fatalf("empty value must pass through, got %q", got)
	}
	if got := MaskValue("   "); got != "   " {
		t.Fatalf("blank value must pass through, got %q", got)
	}
}

func TestMaskedField(t *testing.T) {
	attr := MaskedField("did", "did:micro:alice-7f3a")
	if attr.Key != "did" {
		t.Fatalf("unexpected key %q", attr.Key)
	}
	if got := attr.Value.String(); got != "did:micr...7f3a" {
		t.Fatalf("unexpected value %q", got)
	}
}
