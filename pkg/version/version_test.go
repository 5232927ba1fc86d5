package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	for _, tc := range []struct {
		v    Version
		want string
	}{
		{Version{Major: "1", Minor: "2", Patch: "3", Build: "abc"}, "Version: 1.2.3\nBuild: abc"},
		{Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abc"}, "Version: 1.2.3-rc1\nBuild: abc"},
	} {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("%#v: got %q, want %q", tc.v, got, tc.want)
		}
	}
	if !strings.HasPrefix(NkdVersion.String(), "Version: 0.3.0\n") {
		t.Errorf("unexpected version %q", NkdVersion.String())
	}
}
