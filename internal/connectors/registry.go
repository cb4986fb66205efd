// Package connectors resolves logical connector names to the external
// commands that implement them.
//
// Connectors are opaque programs (OBIS, Copernicus, ERDDAP pullers, ...); the
// core depends only on their exit code and captured output. The registry is
// built once per config load, so name resolution is a typed lookup instead of
// a stringly dispatch at run time.
package connectors

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"tidewatch/internal/config"
)

// Definition is one resolved, immutable connector entry.
type Definition struct {
	Name     string
	Enabled  bool
	Schedule string
	Timeout  time.Duration
	Argv     []string // program + args, already unquoted
}

// Registry maps connector names to definitions. It is immutable after Build;
// config reloads build a fresh registry.
type Registry struct {
	defs map[string]Definition
}

// Build resolves a connector config map into a Registry. Entries whose
// command line cannot be parsed are skipped and reported in the returned
// problem list; the rest of the registry is still usable (a single bad entry
// must not take down the whole schedule).
func Build(cfgs map[string]config.ConnectorConfig, defaultTimeout time.Duration) (*Registry, []error) {
	defs := make(map[string]Definition, len(cfgs))
	var problems []error

	for name, cc := range cfgs {
		name = strings.TrimSpace(name)
		if name == "" {
			problems = append(problems, fmt.Errorf("connector with empty name skipped"))
			continue
		}

		argv, err := shellquote.Split(cc.Command)
		if err != nil {
			problems = append(problems, fmt.Errorf("connector %q: bad command line: %w", name, err))
			continue
		}
		if len(argv) == 0 {
			problems = append(problems, fmt.Errorf("connector %q: empty command", name))
			continue
		}

		timeout, err := config.ParseTimeoutField(fmt.Sprintf("connectors.%s.timeout", name), string(cc.Timeout))
		if err != nil {
			problems = append(problems, err)
			continue
		}
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		defs[name] = Definition{
			Name:     name,
			Enabled:  cc.IsEnabled(),
			Schedule: strings.TrimSpace(cc.Schedule),
			Timeout:  timeout,
			Argv:     argv,
		}
	}

	return &Registry{defs: defs}, problems
}

// Resolve returns the definition for name.
func (r *Registry) Resolve(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	d, ok := r.defs[name]
	return d, ok
}

// Enabled returns all enabled definitions sorted by name.
func (r *Registry) Enabled() []Definition {
	if r == nil {
		return nil
	}
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		if d.Enabled {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the total number of definitions, enabled or not.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.defs)
}
