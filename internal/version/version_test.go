package version

import "testing"

func TestInfoString(t *testing.T) {
	info := Info{Version: "v1.2.0", GitSHA: "0123456789abcdef", BuildTime: "2026-01-02T03:04:05Z"}
	want := "oblam-deskew v1.2.0 (01234567, built 2026-01-02T03:04:05Z)"
	if got := info.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := (Info{Version: "dev", GitSHA: "abc"}).String(); got != "oblam-deskew dev (abc, built )" {
		t.Errorf("short sha: got %q", got)
	}
	if Current().Version != Version {
		t.Errorf("Current() does not reflect package vars")
	}
}
