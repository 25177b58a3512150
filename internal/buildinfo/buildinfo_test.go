package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "hass-insights/"+Version) {
		t.Errorf("UserAgent() = %q, want prefix %q", ua, "hass-insights/"+Version)
	}
}

func TestRuntimeInfo_IncludesUptime(t *testing.T) {
	info := RuntimeInfo()
	for _, k := range []string{"version", "git_commit", "go_version", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("RuntimeInfo() missing key %q", k)
		}
	}
	if _, ok := BuildInfo()["uptime"]; ok {
		t.Error("BuildInfo() should not include uptime")
	}
}
