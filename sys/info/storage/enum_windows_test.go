package storage

import "testing"

func TestNormalizeRawPathWindows(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{`C:\`, `\\.\C:`},
		{`c:`, `\\.\C:`},
		{`D:\`, `\\.\D:`},
		{`\\.\PhysicalDrive0`, `\\.\PhysicalDrive0`},
		{`\\.\C:`, `\\.\C:`},
		{`C:\Users\nobody`, `C:\Users\nobody`},
	}
	for _, c := range cases {
		if got := NormalizeRawPath(c.in); got != c.want {
			t.Errorf("NormalizeRawPath(%q)=%q, want %q", c.in, got, c.want)
		}
	}
}
