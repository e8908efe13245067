package dashboard

import "testing"

func TestNormalizeAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "0.0.0.0:8081"},
		{"  ", "0.0.0.0:8081"},
		{":8081", "0.0.0.0:8081"},
		{":9000", "0.0.0.0:9000"},
		{"127.0.0.1:8081", "127.0.0.1:8081"},
		{"127.0.0.1", "127.0.0.1:8081"},
		{"dashboard.internal", "dashboard.internal:8081"},
		{"*:8081", "0.0.0.0:8081"},
		{"http://dashboard.internal:9000", "dashboard.internal:9000"},
	}

	for _, tc := range cases {
		if got := normalizeAddress(tc.in); got != tc.want {
			t.Errorf("normalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
