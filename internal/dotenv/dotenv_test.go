package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := Load(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("Load missing file error: %v", err)
	}
}

func TestLoad_SetsValuesAndPreservesExisting(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# local overrides\n" +
		"SHOPTALK_ADDR=:9090\n" +
		"SHOPTALK_STORE_NAME=\"ShopTalk Demo Store\"\n" +
		"export SHOPTALK_VOICE_NAME=Kore\n" +
		"SHOPTALK_EXISTING=from_file\r\n" +
		"not-an-assignment\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("SHOPTALK_EXISTING", "already_set")

	if err := Load(envPath); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if got := os.Getenv("SHOPTALK_ADDR"); got != ":9090" {
		t.Fatalf("SHOPTALK_ADDR=%q, want %q", got, ":9090")
	}
	if got := os.Getenv("SHOPTALK_STORE_NAME"); got != "ShopTalk Demo Store" {
		t.Fatalf("SHOPTALK_STORE_NAME=%q, quotes should be stripped", got)
	}
	if got := os.Getenv("SHOPTALK_VOICE_NAME"); got != "Kore" {
		t.Fatalf("SHOPTALK_VOICE_NAME=%q, want %q", got, "Kore")
	}
	if got := os.Getenv("SHOPTALK_EXISTING"); got != "already_set" {
		t.Fatalf("SHOPTALK_EXISTING=%q, want existing value preserved", got)
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line string
		key  string
		val  string
		ok   bool
	}{
		{"KEY=value", "KEY", "value", true},
		{"  KEY = value ", "KEY", "value", true},
		{"export KEY=value", "KEY", "value", true},
		{"KEY='single quoted'", "KEY", "single quoted", true},
		{"KEY=", "KEY", "", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"=value", "", "", false},
		{"no assignment here", "", "", false},
	}
	for _, tt := range tests {
		key, val, ok := parseLine(tt.line)
		if key != tt.key || val != tt.val || ok != tt.ok {
			t.Errorf("parseLine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.line, key, val, ok, tt.key, tt.val, tt.ok)
		}
	}
}
