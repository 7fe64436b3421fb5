package main

import (
	"path/filepath"
	"testing"

	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func TestWriteThenValidate(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	for _, name := range []string{"linkctl.toml", "nested/linkctl.yaml"} {
		path := filepath.Join(dir, name)
		if err := run([]string{"-output", path}); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := run([]string{"-output", path}); err == nil {
			t.Fatalf("expected refusal to overwrite %s", name)
		}
		if err := run([]string{"-output", path, "-force"}); err != nil {
			t.Fatalf("force %s: %v", name, err)
		}
		if err := run([]string{"-validate", "-input", path}); err != nil {
			t.Fatalf("validate %s: %v", name, err)
		}
	}

	if err := run([]string{"-output", filepath.Join(dir, "x.ini")}); err == nil {
		t.Fatalf("expected unknown extension error")
	}
}
