package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dgnsrekt/gpuchannel/internal/config"
)

func TestSetupLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	l, err := setupLogger("serve", &config.LoggingConfig{Enabled: true, Directory: dir, Level: "warn"})
	if err != nil {
		t.Fatalf("setupLogger failed: %v", err)
	}
	l.Warn("written")
	_ = l.Sync()

	files, err := filepath.Glob(filepath.Join(dir, "gpuchannel-serve-*.log"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one log file, got %v (%v)", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}

func TestSetupLogger_RejectsUnknownLevel(t *testing.T) {
	if _, err := setupLogger("serve", &config.LoggingConfig{Level: "loud"}); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestNewRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "probe"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered: %v", name, err)
		}
	}
}
