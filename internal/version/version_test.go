package version

import "testing"

func TestUserAgent(t *testing.T) {
	if got := UserAgent(""); got != "chaintrack/"+Version {
		t.Fatalf("unexpected user agent %q", got)
	}
	if got := UserAgent("ops"); got != "ops/"+Version {
		t.Fatalf("unexpected user agent %q", got)
	}
}

func TestGet(t *testing.T) {
	info := Get()
	if info.Version != Version || info.GoVersion == "" {
		t.Fatalf("unexpected build info %+v", info)
	}
}
