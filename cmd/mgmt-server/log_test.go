// ABOUTME: Tests for the colorized slog handler
// ABOUTME: Color is disabled so output can be compared as plain text

package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo)).With("component", "gateway")

	logger.Debug("hidden")
	logger.WithGroup("agent").Warn("agent connected in alert state", "agent_id", "host-1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record should be filtered: %q", out)
	}
	for _, want := range []string{"WRN ", "agent connected in alert state", "component=gateway", "agent.agent_id=host-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if n := strings.Count(out, "\n"); n != 1 {
		t.Errorf("got %d lines, want 1", n)
	}
}

func TestRunToken_Flags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"neither", nil},
		{"both", []string{"--agent", "host-1", "--admin"}},
		{"missing value", []string{"--agent"}},
		{"bad ttl", []string{"--admin", "--ttl", "soon"}},
		{"unknown", []string{"--owner"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := runToken(tt.args); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
