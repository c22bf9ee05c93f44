package pathsafe

import "testing"

func TestValidateAbsolute(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"/ssm/sources/disk1", false},
		{"relative/path", true},
		{"/ssm/../etc", true},
		{"/ssm/./sources", false},
	}
	for _, c := range cases {
		err := ValidateAbsolute(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateAbsolute(%q) err = %v, wantErr %v", c.in, err, c.wantErr)
		}
	}
}

func TestEqual(t *testing.T) {
	t.Parallel()
	cases := []struct {
		a, b string
		want bool
	}{
		{"/ssm/merged/A", "/ssm/merged/A/", true},
		{"/ssm/merged/A", `\ssm\merged\A`, true},
		{"/ssm/merged/A", "/ssm/merged/B", false},
		{"/", "/", true},
	}
	for _, c := range cases {
		if got := Equal(c.a, c.b); got != c.want {
			t.Errorf("Equal(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestDepth(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want int
	}{
		{"/merged/A", 2},
		{"/merged/A/B", 3},
		{"/merged/C", 2},
		{"/", 0},
	}
	for _, c := range cases {
		if got := Depth(c.in); got != c.want {
			t.Errorf("Depth(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestIsUnder(t *testing.T) {
	t.Parallel()
	if !IsUnder("/ssm/merged", "/ssm/merged/Title") {
		t.Error("expected /ssm/merged/Title to be under /ssm/merged")
	}
	if IsUnder("/ssm/merged", "/ssm/other/Title") {
		t.Error("expected /ssm/other/Title to not be under /ssm/merged")
	}
	if !IsUnder("/ssm/merged", "/ssm/merged") {
		t.Error("a root should be considered under itself")
	}
}

func TestSafeLinkName(t *testing.T) {
	t.Parallel()
	if got := SafeLinkName("disk 1, primary"); got != "disk_1__primary" {
		t.Errorf("SafeLinkName = %q", got)
	}
}
