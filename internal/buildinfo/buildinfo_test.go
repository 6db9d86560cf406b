package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "ollama-desktop/"+Version) {
		t.Errorf("UserAgent() = %q, want prefix ollama-desktop/%s", ua, Version)
	}
}

func TestInfo_Keys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "go_version", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("Info() missing key %q", k)
		}
	}
}

func TestStampedValuesWin(t *testing.T) {
	oldCommit, oldTime := GitCommit, BuildTime
	t.Cleanup(func() { GitCommit, BuildTime = oldCommit, oldTime })

	GitCommit, BuildTime = "abc1234", "2026-01-02T03:04:05Z"
	if Commit() != "abc1234" || Built() != "2026-01-02T03:04:05Z" {
		t.Errorf("Commit/Built = %q/%q, want the stamped values", Commit(), Built())
	}
	if s := String(); !strings.Contains(s, "abc1234") {
		t.Errorf("String() = %q", s)
	}
}

func TestUnstampedCommitIsNeverEmpty(t *testing.T) {
	if Commit() == "" || Built() == "" {
		t.Errorf("Commit/Built = %q/%q", Commit(), Built())
	}
}
