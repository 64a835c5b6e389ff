package toolhost

import (
	"fmt"
	"os"
	"regexp"
	"sort"
)

// CredentialSource supplies values for ${VAR} placeholders in a server's
// launch spec. Lookup reports whether the named credential exists.
type CredentialSource interface {
	Lookup(name string) (string, bool)
}

// EnvCredentials resolves credential placeholders from the process
// environment. It is the default source used by a Client.
type EnvCredentials struct{}

// Lookup implements CredentialSource using os.LookupEnv.
func (EnvCredentials) Lookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolveLaunchSpec expands ${VAR} placeholders in the configured command,
// arguments, and environment overrides against the credential source, and
// returns the values ready for spawning. Env overrides come back as "K=V"
// pairs in stable order. An unresolvable placeholder fails the whole spec:
// it is better to refuse to spawn than to hand a tool server a literal
// "${API_KEY}".
func resolveLaunchSpec(cfg ServerConfig, creds CredentialSource) (command string, args, env []string, err error) {
	if creds == nil {
		creds = EnvCredentials{}
	}

	command, err = expandPlaceholders(cfg.Command, creds)
	if err != nil {
		return "", nil, nil, fmt.Errorf("command: %w", err)
	}

	args = make([]string, len(cfg.Args))
	for i, a := range cfg.Args {
		args[i], err = expandPlaceholders(a, creds)
		if err != nil {
			return "", nil, nil, fmt.Errorf("args[%d]: %w", i, err)
		}
	}

	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env = make([]string, 0, len(keys))
	for _, k := range keys {
		v, vErr := expandPlaceholders(cfg.Env[k], creds)
		if vErr != nil {
			return "", nil, nil, fmt.Errorf("env %s: %w", k, vErr)
		}
		env = append(env, k+"="+v)
	}

	return command, args, env, nil
}

func expandPlaceholders(s string, creds CredentialSource) (string, error) {
	var missing []string
	expanded := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := creds.Lookup(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders: %v", missing)
	}
	return expanded, nil
}
