package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/rules"
	"opensase/sase-policy/pkg/policy/snapshot"
)

func seedSnapshots(t *testing.T) (string, []policy.PolicyRule) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshots.db")
	store, err := snapshot.Open(snapshot.Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()

	first := []policy.PolicyRule{policy.DenyRule(1).WithDstPort(22).WithProtocol(policy.ProtoTCP).WithPriority(1)}
	second := append(first, policy.AllowRule(2).WithDstCIDR(policy.MustParseCIDR("10.0.0.0/8")).WithPriority(2))
	ctx := context.Background()
	if _, err := store.Save(ctx, 1, "file:a", first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := store.Save(ctx, 2, "bus:sase.policy.rules", second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return path, second
}

func resetExportFlags(path string) {
	exportFlags.snapshot = path
	exportFlags.id = 0
	exportFlags.list = false
	exportFlags.limit = 20
	exportFlags.format = "yaml"
	exportFlags.output = ""
}

func TestExportLatest(t *testing.T) {
	path, want := seedSnapshots(t)

	for _, format := range []string{"yaml", "json"} {
		t.Run(format, func(t *testing.T) {
			resetExportFlags(path)
			exportFlags.format = format
			cmd, out := testCommand()

			if err := exportSnapshot(cmd, nil); err != nil {
				t.Fatalf("exportSnapshot() error = %v", err)
			}
			doc, err := rules.Parse(out.Bytes())
			if err != nil {
				t.Fatalf("output does not parse: %v\n%s", err, out)
			}
			got, err := doc.Compile()
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			if rules.Checksum(got) != rules.Checksum(want) {
				t.Errorf("exported rules differ from the saved set:\n%s", out)
			}
			if !strings.HasSuffix(doc.Name, "-v2") {
				t.Errorf("Name = %q", doc.Name)
			}
		})
	}
}

func TestExportByIDToFile(t *testing.T) {
	path, _ := seedSnapshots(t)
	resetExportFlags(path)
	exportFlags.id = 1
	exportFlags.output = filepath.Join(t.TempDir(), "out.yaml")
	cmd, out := testCommand()

	if err := exportSnapshot(cmd, nil); err != nil {
		t.Fatalf("exportSnapshot() error = %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("stdout not empty with --output: %s", out)
	}
	doc, err := rules.ParseFile(exportFlags.output)
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if len(doc.Rules) != 1 || doc.Rules[0].ID != 1 {
		t.Errorf("rules = %+v, want snapshot 1", doc.Rules)
	}
}

func TestExportList(t *testing.T) {
	path, _ := seedSnapshots(t)
	resetExportFlags(path)
	exportFlags.list = true
	exportFlags.format = "csv"
	cmd, out := testCommand()

	if err := exportSnapshot(cmd, nil); err != nil {
		t.Fatalf("exportSnapshot() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[1], "2,2,2,") || !strings.Contains(lines[1], "bus:sase.policy.rules") {
		t.Errorf("newest snapshot row = %q", lines[1])
	}
}

func TestExportErrors(t *testing.T) {
	path, _ := seedSnapshots(t)

	resetExportFlags(filepath.Join(t.TempDir(), "missing.db"))
	cmd, _ := testCommand()
	if err := exportSnapshot(cmd, nil); err == nil {
		t.Error("exportSnapshot() with missing database should fail")
	}

	resetExportFlags(path)
	exportFlags.id = 99
	if err := exportSnapshot(cmd, nil); err == nil {
		t.Error("exportSnapshot() with unknown id should fail")
	}

	resetExportFlags(path)
	exportFlags.format = "toml"
	if err := exportSnapshot(cmd, nil); err == nil {
		t.Error("exportSnapshot() with unknown format should fail")
	}
}
