package main

import (
	"bytes"
	"encoding/json"
	"runtime"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	origVersion, origCommit := Version, GitCommit
	defer func() { Version, GitCommit = origVersion, origCommit }()
	Version = "0.1.0-test"
	GitCommit = "abc123"

	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	defer versionCmd.SetOut(nil)
	defer func() { versionFormat = "text" }()

	versionFormat = "text"
	if err := versionCmd.RunE(versionCmd, nil); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"0.1.0-test", "abc123", runtime.Version(), runtime.GOOS + "/" + runtime.GOARCH} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	versionFormat = "json"
	if err := versionCmd.RunE(versionCmd, nil); err != nil {
		t.Fatal(err)
	}
	var info BuildInfo
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil {
		t.Fatalf("json output: %v\n%s", err, buf.String())
	}
	if info.Version != "0.1.0-test" || info.Commit != "abc123" {
		t.Errorf("BuildInfo = %+v", info)
	}

	versionFormat = "toml"
	if err := versionCmd.RunE(versionCmd, nil); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "lint", "eval", "bench", "export", "push", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered (got %v, %v)", name, cmd, err)
		}
	}
}
