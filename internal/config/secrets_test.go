package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSecret(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}
	return path
}

func TestResolveSecret(t *testing.T) {
	cases := []struct {
		name string
		env  string
		file *string
		want string
	}{
		{name: "neither set", want: ""},
		{name: "env only", env: "env-value", want: "env-value"},
		{name: "file only", file: ptr("file-value\n"), want: "file-value"},
		{name: "file wins over env", env: "env-value", file: ptr("file-value"), want: "file-value"},
		{name: "file trimmed", file: ptr("  secret-value  \n\n"), want: "secret-value"},
		{name: "empty file", env: "env-value", file: ptr(""), want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("NARRATIVE_TEST_SECRET", tc.env)
			t.Setenv("NARRATIVE_TEST_SECRET_FILE", "")
			if tc.file != nil {
				t.Setenv("NARRATIVE_TEST_SECRET_FILE", writeSecret(t, *tc.file))
			}

			got, err := ResolveSecret("NARRATIVE_TEST_SECRET")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func ptr(s string) *string { return &s }

func TestResolveSecretMissingFile(t *testing.T) {
	t.Setenv("NARRATIVE_TEST_SECRET_FILE", "/nonexistent/path/to/secret")
	if _, err := ResolveSecret("NARRATIVE_TEST_SECRET"); err == nil {
		t.Error("expected error when file does not exist")
	}
}

func TestCredentials(t *testing.T) {
	t.Setenv("NARRATIVE_TEST_USER", "admin")
	t.Setenv("NARRATIVE_TEST_PASS_FILE", writeSecret(t, "secret\n"))

	user, pass, err := Credentials("NARRATIVE_TEST")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != "admin" || pass != "secret" {
		t.Errorf("expected admin/secret, got %q/%q", user, pass)
	}
}

func TestCredentialsUnset(t *testing.T) {
	user, pass, err := Credentials("NARRATIVE_TEST_NONE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != "" || pass != "" {
		t.Errorf("expected empty pair, got %q/%q", user, pass)
	}
}

func TestCredentialsHalfSet(t *testing.T) {
	t.Setenv("NARRATIVE_TEST_HALF_USER", "admin")
	if _, _, err := Credentials("NARRATIVE_TEST_HALF"); err == nil {
		t.Error("expected error when only the user is set")
	}
}
