package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoFromBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-05-04T10:11:12Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	got := pseudoFromBuildInfo(info)
	if got != "v0.0.0-20260504101112-0123456789ab+dirty" {
		t.Fatalf("pseudo version %q", got)
	}
	if pseudoFromBuildInfo(&debug.BuildInfo{}) != "" {
		t.Fatal("expected empty pseudo version without vcs data")
	}
	if pseudoFromBuildInfo(nil) != "" {
		t.Fatal("expected empty pseudo version for nil info")
	}
}

func TestCurrentPrefersLinkerValue(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })
	buildVersion = "v1.2.3"
	if Current() != "v1.2.3" {
		t.Fatalf("current %q", Current())
	}
	if Describe().Version != "v1.2.3" {
		t.Fatalf("describe %+v", Describe())
	}
}

func TestDescribe(t *testing.T) {
	info := Describe()
	if info.Module == "" || !strings.HasPrefix(info.GoVersion, "go") || !strings.Contains(info.Platform, "/") {
		t.Fatalf("describe %+v", info)
	}
}
