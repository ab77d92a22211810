package config

import (
	"fmt"
	"os"
	"strings"
)

// ResolveSecret returns the value of envName, or the trimmed contents of the
// file named by envName_FILE when that is set. The file takes precedence.
func ResolveSecret(envName string) (string, error) {
	fileEnv := envName + "_FILE"
	path := os.Getenv(fileEnv)
	if path == "" {
		return os.Getenv(envName), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret from %s=%s: %w", fileEnv, path, err)
	}
	return strings.TrimSpace(string(content)), nil
}

// Credentials resolves a user/password pair from prefix_USER and prefix_PASS,
// each honoring the *_FILE convention. A pair with only one half set is an
// error so a typo cannot silently disable authentication.
func Credentials(prefix string) (user, pass string, err error) {
	if user, err = ResolveSecret(prefix + "_USER"); err != nil {
		return "", "", err
	}
	if pass, err = ResolveSecret(prefix + "_PASS"); err != nil {
		return "", "", err
	}
	if (user == "") != (pass == "") {
		return "", "", fmt.Errorf("%s_USER and %s_PASS must be set together", prefix, prefix)
	}
	return user, pass, nil
}
