// Package testlet packages self-contained units of test logic into scripts
// that run unmodified inside a remote environment.
package testlet

import (
	"fmt"
	"sort"
	"strings"
)

// Default variable consulted by interpreters for extra module search paths.
const searchPathVariable = "PYTHONPATH"

// Testlet is an immutable unit of executable test logic. The source must be
// fully self-contained: it may not reference names defined outside its own
// body. That obligation is the author's; violations surface as runtime
// name-resolution failures inside the environment, not here.
type Testlet struct {
	// Name identifies the testlet in results and injected file names.
	Name string

	// Interpreter is the program that executes the packaged script inside
	// the environment, e.g. "python3" or "/bin/sh".
	Interpreter string

	// Source is the full script body.
	Source string

	// Env holds extra environment variables exported to the script.
	Env map[string]string

	// SearchPaths are appended to the interpreter's module search path so
	// dependencies injected by hooks are importable.
	SearchPaths []string

	// SearchPathVar overrides the variable used for SearchPaths.
	// Defaults to PYTHONPATH.
	SearchPathVar string
}

// PackagingError reports a testlet that cannot be turned into a script.
type PackagingError struct {
	Name   string
	Reason string
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("package testlet %q: %s", e.Name, e.Reason)
}

// Script is an interpreter-executable payload. Executing Content with the
// interpreter runs the testlet body and terminates with the body's own exit
// code, writing stdout and stderr to capturable streams.
type Script struct {
	Name        string
	Interpreter string
	Content     []byte

	// Env is the merged variable set to export when executing the script,
	// including the search-path variable when SearchPaths were declared.
	Env map[string]string
}

// Package turns the testlet into a standalone script. It is a pure
// transformation; nothing is uploaded or executed.
func (t Testlet) Package() (Script, error) {
	if strings.TrimSpace(t.Name) == "" {
		return Script{}, &PackagingError{Name: t.Name, Reason: "name is required"}
	}
	if strings.TrimSpace(t.Interpreter) == "" {
		return Script{}, &PackagingError{Name: t.Name, Reason: "interpreter is required"}
	}
	if strings.TrimSpace(t.Source) == "" {
		return Script{}, &PackagingError{Name: t.Name, Reason: "source body is empty"}
	}

	var b strings.Builder
	b.WriteString("#!/usr/bin/env ")
	b.WriteString(t.Interpreter)
	b.WriteByte('\n')
	b.WriteString(t.Source)
	if !strings.HasSuffix(t.Source, "\n") {
		b.WriteByte('\n')
	}

	env := make(map[string]string, len(t.Env)+1)
	for key, value := range t.Env {
		env[key] = value
	}
	if len(t.SearchPaths) > 0 {
		variable := t.SearchPathVar
		if variable == "" {
			variable = searchPathVariable
		}
		env[variable] = strings.Join(t.SearchPaths, ":")
	}

	return Script{
		Name:        t.Name,
		Interpreter: t.Interpreter,
		Content:     []byte(b.String()),
		Env:         env,
	}, nil
}

// EnvKeys returns the script's exported variable names in sorted order.
// Useful for deterministic logging and tests.
func (s Script) EnvKeys() []string {
	keys := make([]string, 0, len(s.Env))
	for key := range s.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
