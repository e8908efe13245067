package symbols

import "testing"

func TestNormalizeProductCode(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"005930", "005930"},
		{"A005930", "005930"},
		{" 005930 ", "005930"},
		{"KRX-005930", "005930"},
		{"930", "000930"},
		{"12345678", "345678"},
		{"REITS123456X", "123456"},
		{"HANA", "HANA"},
		{"", ""},
	}

	for _, tc := range cases {
		if got := NormalizeProductCode(tc.in); got != tc.want {
			t.Errorf("NormalizeProductCode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValid(t *testing.T) {
	if Valid("") || Valid("   ") {
		t.Error("blank identifiers must be invalid")
	}
	if !Valid("005930") {
		t.Error("6-digit code must be valid")
	}
	if !Valid("A005930") {
		t.Error("A-prefixed code must be valid")
	}
}
