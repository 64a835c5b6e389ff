package toolhost

import (
	"errors"
	"strings"
	"testing"
)

type mapCredentials map[string]string

func (m mapCredentials) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

func TestResolveLaunchSpec(t *testing.T) {
	creds := mapCredentials{
		"GITHUB_TOKEN": "ghp_secret",
		"HOME_DIR":     "/home/app",
	}

	cfg := ServerConfig{
		Name:    "github",
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-github", "--root", "${HOME_DIR}/data"},
		Env: map[string]string{
			"GITHUB_PERSONAL_ACCESS_TOKEN": "${GITHUB_TOKEN}",
			"APP_MODE":                     "production",
		},
	}

	command, args, env, err := resolveLaunchSpec(cfg, creds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if command != "npx" {
		t.Errorf("expected command npx, got %s", command)
	}
	if args[2] != "--root" || args[3] != "/home/app/data" {
		t.Errorf("placeholder in args not resolved: %v", args)
	}

	// Env overrides come back sorted by key.
	want := []string{
		"APP_MODE=production",
		"GITHUB_PERSONAL_ACCESS_TOKEN=ghp_secret",
	}
	if len(env) != len(want) {
		t.Fatalf("expected %d env entries, got %d", len(want), len(env))
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("env[%d] = %s, want %s", i, env[i], want[i])
		}
	}
}

func TestResolveLaunchSpecMissingCredential(t *testing.T) {
	cfg := ServerConfig{
		Name:    "notion",
		Command: "npx",
		Env: map[string]string{
			"NOTION_API_KEY": "${NOTION_API_KEY}",
		},
	}

	_, _, _, err := resolveLaunchSpec(cfg, mapCredentials{})
	if err == nil {
		t.Fatal("expected error for unresolved placeholder, got nil")
	}
	if !strings.Contains(err.Error(), "NOTION_API_KEY") {
		t.Errorf("error should name the missing placeholder: %v", err)
	}
}

func TestResolveLaunchSpecNoPlaceholders(t *testing.T) {
	cfg := ServerConfig{
		Name:    "echo",
		Command: "node",
		Args:    []string{"echo-server.js"},
	}

	command, args, env, err := resolveLaunchSpec(cfg, mapCredentials{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if command != "node" || len(args) != 1 || args[0] != "echo-server.js" {
		t.Errorf("spec without placeholders must pass through unchanged: %s %v", command, args)
	}
	if len(env) != 0 {
		t.Errorf("expected no env overrides, got %v", env)
	}
}

func TestEnvCredentialsLookup(t *testing.T) {
	t.Setenv("TOOLHOST_TEST_CRED", "hunter2")

	v, ok := EnvCredentials{}.Lookup("TOOLHOST_TEST_CRED")
	if !ok || v != "hunter2" {
		t.Errorf("Lookup = %q, %v; want hunter2, true", v, ok)
	}

	if _, ok := (EnvCredentials{}).Lookup("TOOLHOST_TEST_CRED_MISSING"); ok {
		t.Error("expected missing env var to report not found")
	}
}

func TestResolveErrorsAreNotRetried(t *testing.T) {
	// A lookup source that fails the first time and would succeed later; the
	// resolver must surface the first failure rather than retrying.
	calls := 0
	creds := lookupFunc(func(name string) (string, bool) {
		calls++
		return "", false
	})

	cfg := ServerConfig{Name: "x", Command: "${BIN}"}
	_, _, _, err := resolveLaunchSpec(cfg, creds)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected a single lookup, got %d", calls)
	}
	if errors.Is(err, ErrNotConnected) {
		t.Error("resolution failure must not masquerade as a connection error")
	}
}

type lookupFunc func(name string) (string, bool)

func (f lookupFunc) Lookup(name string) (string, bool) { return f(name) }
