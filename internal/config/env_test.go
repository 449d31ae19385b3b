package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("JOBFLOW_TEST_STRING", "custom")
	t.Setenv("JOBFLOW_TEST_EMPTY", "")

	if got := GetEnv("JOBFLOW_TEST_STRING", "default"); got != "custom" {
		t.Errorf("GetEnv() = %q, want custom", got)
	}
	if got := GetEnv("JOBFLOW_TEST_EMPTY", "default"); got != "default" {
		t.Errorf("empty value should fall back, got %q", got)
	}
	if got := GetEnv("JOBFLOW_TEST_UNSET", "default"); got != "default" {
		t.Errorf("unset value should fall back, got %q", got)
	}
}

func TestGetIntEnv(t *testing.T) {
	tests := []struct {
		value    string
		expected int
	}{
		{"", 42},
		{"123", 123},
		{"-4", -4},
		{"not-a-number", 42},
		{"1.5", 42},
	}
	for _, tt := range tests {
		t.Setenv("JOBFLOW_TEST_INT", tt.value)
		if got := GetIntEnv("JOBFLOW_TEST_INT", 42); got != tt.expected {
			t.Errorf("GetIntEnv(%q) = %d, want %d", tt.value, got, tt.expected)
		}
	}
}

func TestGetDurationEnv(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"", 5 * time.Second},
		{"30s", 30 * time.Second},
		{"100ms", 100 * time.Millisecond},
		{"5m", 5 * time.Minute},
		{"30", 5 * time.Second},
		{"not-a-duration", 5 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("JOBFLOW_TEST_DURATION", tt.value)
		if got := GetDurationEnv("JOBFLOW_TEST_DURATION", 5*time.Second); got != tt.expected {
			t.Errorf("GetDurationEnv(%q) = %v, want %v", tt.value, got, tt.expected)
		}
	}
}

func TestGetBoolEnv(t *testing.T) {
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"", true, true},
		{"true", false, true},
		{"1", false, true},
		{"FALSE", true, false},
		{"0", true, false},
		{"maybe", true, true},
	}

	for _, tt := range tests {
		t.Setenv("JOBFLOW_TEST_BOOL", tt.value)
		if got := GetBoolEnv("JOBFLOW_TEST_BOOL", tt.def); got != tt.expected {
			t.Errorf("GetBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.expected)
		}
	}
}

func TestGetListEnv(t *testing.T) {
	tests := []struct {
		value    string
		expected []string
	}{
		{"", nil},
		{" , ,", nil},
		{"jobflow.run.done", []string{"jobflow.run.done"}},
		{"a, b ,,c", []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Setenv("JOBFLOW_TEST_LIST", tt.value)
		if got := GetListEnv("JOBFLOW_TEST_LIST"); !slices.Equal(got, tt.expected) {
			t.Errorf("GetListEnv(%q) = %q, want %q", tt.value, got, tt.expected)
		}
	}
}

func TestGetSecretFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "api-key")
	if err := os.WriteFile(path, []byte("  my-secret-value\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{"empty path", "", ""},
		{"missing file", filepath.Join(t.TempDir(), "nope"), ""},
		{"trimmed contents", path, "my-secret-value"},
	}
	for _, tt := range tests {
		if got := GetSecretFile(tt.path); got != tt.expected {
			t.Errorf("%s: GetSecretFile() = %q, want %q", tt.name, got, tt.expected)
		}
	}
}
