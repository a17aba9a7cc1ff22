package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/haasonsaas/conduit/internal/config"
)

func TestBuildRootCmd(t *testing.T) {
	root := buildRootCmd()
	if root.Use != "conduit" {
		t.Errorf("root.Use = %q, want conduit", root.Use)
	}

	want := map[string]bool{"serve": false, "version": false}
	for _, cmd := range root.Commands() {
		name := strings.Fields(cmd.Use)[0]
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "conduit") {
		t.Errorf("version output = %q, want it to mention conduit", out.String())
	}
}

func TestSetupLoggingLevels(t *testing.T) {
	// Smoke test: no panic for any configured level or format.
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		for _, format := range []string{"text", "json"} {
			setupLogging(config.LoggingConfig{Level: level, Format: format}, false)
		}
	}
}
