// ABOUTME: Environment variable policy for generated code: which parent variables a child process sees.
// ABOUTME: The default policy strips credentials so model-written code cannot read API keys.

package sandbox

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// EnvPolicy controls how environment variables are inherited by child processes.
type EnvPolicy string

const (
	// EnvPolicyInheritCore inherits everything except credential-looking variables (default).
	EnvPolicyInheritCore EnvPolicy = "inherit_core"
	// EnvPolicyInheritAll inherits all environment variables without filtering.
	EnvPolicyInheritAll EnvPolicy = "inherit_all"
	// EnvPolicyInheritNone starts with a clean environment, only explicit vars.
	EnvPolicyInheritNone EnvPolicy = "inherit_none"
)

// ParseEnvPolicy validates a policy name. Empty selects EnvPolicyInheritCore.
func ParseEnvPolicy(s string) (EnvPolicy, error) {
	switch p := EnvPolicy(strings.TrimSpace(s)); p {
	case "":
		return EnvPolicyInheritCore, nil
	case EnvPolicyInheritCore, EnvPolicyInheritAll, EnvPolicyInheritNone:
		return p, nil
	default:
		return "", fmt.Errorf("unknown env policy %q (want %s, %s or %s)", s, EnvPolicyInheritCore, EnvPolicyInheritAll, EnvPolicyInheritNone)
	}
}

// sensitivePatterns are env var name suffixes excluded under InheritCore.
var sensitivePatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
	"_CREDENTIALS",
}

// safeVarNames are always included under InheritCore.
var safeVarNames = map[string]bool{
	"PATH":        true,
	"HOME":        true,
	"USER":        true,
	"LANG":        true,
	"TMPDIR":      true,
	"VIRTUAL_ENV": true,
	"PYTHONPATH":  true,
}

// buildEnv returns the child environment for policy plus explicit vars.
// Explicit vars are filtered too unless the policy is InheritAll.
func buildEnv(policy EnvPolicy, explicit map[string]string) []string {
	var env []string
	switch policy {
	case EnvPolicyInheritAll:
		env = os.Environ()
	case EnvPolicyInheritNone:
	default:
		for _, entry := range os.Environ() {
			name, _, ok := strings.Cut(entry, "=")
			if !ok {
				continue
			}
			if safeVarNames[name] || !isSensitiveVar(name) {
				env = append(env, entry)
			}
		}
	}

	keys := make([]string, 0, len(explicit))
	for k := range explicit {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if policy == EnvPolicyInheritCore && isSensitiveVar(k) {
			continue
		}
		env = append(env, k+"="+explicit[k])
	}
	return env
}

// isSensitiveVar checks if a variable name matches sensitive patterns (case-insensitive).
func isSensitiveVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitivePatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}
