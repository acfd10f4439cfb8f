package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRunVersionText(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run(version) error: %v", err)
	}
	if !strings.Contains(out.String(), "Threadline") {
		t.Errorf("version output missing banner:\n%s", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run(-o json version) error: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out.String())
	}
	if info["version"] == "" {
		t.Errorf("version field missing: %v", info)
	}
}

func TestRunNoCommandPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, nil); err != nil {
		t.Fatalf("run() error: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: threadline") {
		t.Errorf("usage not printed:\n%s", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"frobnicate"}); err == nil {
		t.Error("run(frobnicate) = nil error, want unknown command")
	}
}

func TestRunUnknownFlag(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-bogus"}); err == nil {
		t.Error("run(-bogus) = nil error, want unknown flag")
	}
}

func TestRunBadOutputFormat(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "yaml", "version"}); err == nil {
		t.Error("run(-o yaml) = nil error, want format error")
	}
}

func TestServeMissingConfig(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", "/nonexistent/threadline.yaml", "serve"})
	if err == nil {
		t.Error("run(serve) = nil error for missing config")
	}
}
