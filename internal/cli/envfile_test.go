package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEnvFileMissingIsNoop(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestLoadEnvFileKeepsProcessEnvironment(t *testing.T) {
	t.Setenv("JWT_ISSUER", "from-env")
	t.Setenv("BINNER_TEST_NEW_KEY", "")
	os.Unsetenv("BINNER_TEST_NEW_KEY")
	t.Setenv("BINNER_TEST_QUOTED", "")
	os.Unsetenv("BINNER_TEST_QUOTED")

	file := filepath.Join(t.TempDir(), "test.env")
	content := "# local overrides\nJWT_ISSUER=from-file\nexport BINNER_TEST_NEW_KEY=hello\nBINNER_TEST_QUOTED='x y'\nNOT A PAIR\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	if err := LoadEnvFile(file); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("JWT_ISSUER"); got != "from-env" {
		t.Fatalf("existing variable overridden: %q", got)
	}
	if got := os.Getenv("BINNER_TEST_NEW_KEY"); got != "hello" {
		t.Fatalf("BINNER_TEST_NEW_KEY = %q", got)
	}
	if got := os.Getenv("BINNER_TEST_QUOTED"); got != "x y" {
		t.Fatalf("BINNER_TEST_QUOTED = %q", got)
	}
}

func TestLoadEnvFileOpenError(t *testing.T) {
	if err := LoadEnvFile(t.TempDir()); err == nil {
		t.Fatal("expected error when path is a directory")
	}
}

func TestParseEnvLine(t *testing.T) {
	tests := []struct {
		line, key, value string
		ok               bool
	}{
		{"KEY=value", "KEY", "value", true},
		{"  KEY = \"quoted\"  ", "KEY", "quoted", true},
		{"EMPTY=", "EMPTY", "", true},
		{"# KEY=value", "", "", false},
		{"=value", "", "", false},
		{"NOEQUALS", "", "", false},
		{"BAD KEY=value", "", "", false},
	}
	for _, tt := range tests {
		key, value, ok := parseEnvLine(tt.line)
		if key != tt.key || value != tt.value || ok != tt.ok {
			t.Fatalf("parseEnvLine(%q) = %q,%q,%v", tt.line, key, value, ok)
		}
	}
}

func FuzzParseEnvLine(f *testing.F) {
	f.Add("KEY=value")
	f.Add(" export QUOTED = \"x\" ")
	f.Add(strings.Repeat("A", 1000))
	f.Add(string(bytes.Repeat([]byte{'='}, 10)))

	f.Fuzz(func(t *testing.T, line string) {
		key, _, ok := parseEnvLine(line)
		if ok && (key == "" || strings.ContainsAny(key, " \t")) {
			t.Fatalf("accepted invalid key %q from %q", key, line)
		}
		if !ok && key != "" {
			t.Fatalf("rejected line returned key %q", key)
		}
	})
}
