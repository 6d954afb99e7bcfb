package main

import (
	"testing"

	"opensase/sase-policy/pkg/cli"
)

func TestPushDocument(t *testing.T) {
	cmd, _ := testCommand()

	doc, err := pushDocument(cmd, "testdata/rules.yaml", "")
	if err != nil {
		t.Fatalf("pushDocument() error = %v", err)
	}
	if doc.Name != "rules.yaml" {
		t.Errorf("Name = %q, want file name", doc.Name)
	}
	if len(doc.Rules) != 3 {
		t.Errorf("len(Rules) = %d, want 3", len(doc.Rules))
	}

	doc, err = pushDocument(cmd, "testdata", "edge-v7")
	if err == nil {
		t.Fatalf("pushDocument(testdata) = %v, want error for the invalid files it holds", doc)
	}
	if cli.ExitCode(err) != cli.ExitInvalid {
		t.Errorf("ExitCode() = %d, want %d", cli.ExitCode(err), cli.ExitInvalid)
	}

	if _, err := pushDocument(cmd, "testdata/missing.yaml", ""); err == nil {
		t.Error("pushDocument() with missing file should fail")
	}
}
