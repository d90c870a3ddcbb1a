package kernel

import (
	"errors"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/rand/rlmrepl/internal/rlm/env"
)

// ErrShareRequiresDirect is returned when share-by-reference is requested
// for a backend that does not run in this process.
var ErrShareRequiresDirect = errors.New("share_by_reference requires the direct environment")

// SyncConfig says how variables move between a host namespace and an
// environment namespace. The options are independent and may be combined.
type SyncConfig struct {
	// PushToHost copies names defined or changed by an execution out to
	// the host afterwards.
	PushToHost bool `yaml:"push_to_host" json:"push_to_host" jsonschema:"description=Copy environment variables to the host after each execution"`

	// PullFromHost copies host variables in before each execution.
	PullFromHost bool `yaml:"pull_from_host" json:"pull_from_host" jsonschema:"description=Copy host variables into the environment before each execution"`

	// VariableAllowlist restricts the pull to names matching any of these
	// glob patterns. Empty means all names.
	VariableAllowlist []string `yaml:"variable_allowlist,omitempty" json:"variable_allowlist,omitempty" jsonschema:"description=Glob patterns limiting which host variables are pulled"`

	// ShareByReference aliases host containers into the environment so
	// mutations on either side are visible to the other. It takes
	// precedence over the allowlist.
	ShareByReference bool `yaml:"share_by_reference" json:"share_by_reference" jsonschema:"description=Alias host values into the environment (direct only)"`
}

// Validate checks the configuration against the backend it will run on.
func (c SyncConfig) Validate(kind env.Kind) error {
	if c.ShareByReference && kind != env.KindDirect {
		return fmt.Errorf("%w, got %q", ErrShareRequiresDirect, kind)
	}
	for _, p := range c.VariableAllowlist {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid allowlist pattern %q", p)
		}
	}
	return nil
}

// Allowed reports whether name passes the allowlist.
func (c SyncConfig) Allowed(name string) bool {
	if len(c.VariableAllowlist) == 0 {
		return true
	}
	for _, p := range c.VariableAllowlist {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
