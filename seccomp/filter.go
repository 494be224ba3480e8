// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package seccomp

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Filter is a resolved syscall policy for one VM. Immutable once
// built; attach it to a spawn request and never modify it afterward.
type Filter struct {
	level Level
	audit bool

	// allowed is the resolved allow-set. Nil entries never occur;
	// denied-always names are stripped during construction.
	allowed map[string]struct{}

	// denied is the always-blocked set, kept separately so Permissive
	// serialization can emit explicit deny rules.
	denied map[string]struct{}
}

// NewFilter builds a filter for the given level. extraAllow widens
// the allow-list (typically from a profile document); names on the
// always-denied list are rejected with an error rather than silently
// dropped, because a profile asking for them is misconfigured.
func NewFilter(level Level, extraAllow []string, audit bool) (*Filter, error) {
	if level < Minimal || level > Permissive {
		return nil, fmt.Errorf("seccomp: invalid level %d", int(level))
	}

	denied := make(map[string]struct{}, len(deniedAlways))
	for _, name := range deniedAlways {
		denied[name] = struct{}{}
	}

	allowed := make(map[string]struct{})
	for _, name := range allowedAtLevel(level) {
		allowed[name] = struct{}{}
	}
	for _, name := range extraAllow {
		if _, blocked := denied[name]; blocked {
			return nil, fmt.Errorf("seccomp: %q is always denied and cannot be allowed by any profile", name)
		}
		allowed[name] = struct{}{}
	}

	return &Filter{
		level:   level,
		audit:   audit,
		allowed: allowed,
		denied:  denied,
	}, nil
}

// Level returns the filter's strictness level.
func (f *Filter) Level() Level { return f.level }

// Audit reports whether sensitive-allowed syscalls should be logged
// in addition to blocked ones.
func (f *Filter) Audit() bool { return f.audit }

// Allows reports whether the filter permits the named syscall. The
// always-denied set wins over everything; Permissive allows any other
// name.
func (f *Filter) Allows(name string) bool {
	if _, blocked := f.denied[name]; blocked {
		return false
	}
	if f.level == Permissive {
		return true
	}
	_, ok := f.allowed[name]
	return ok
}

// AllowedSyscalls returns the sorted explicit allow-list. For
// Permissive this is the explicit list only; the serialization's
// default action covers the rest.
func (f *Filter) AllowedSyscalls() []string {
	names := make([]string, 0, len(f.allowed))
	for name := range f.allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// seccompilerDocument is the JSON shape consumed by seccompiler-bin,
// which compiles it to BPF for the hypervisor's --seccomp-filter
// flag. One policy applies to every hypervisor thread.
type seccompilerDocument map[string]seccompilerPolicy

type seccompilerPolicy struct {
	DefaultAction string            `json:"default_action"`
	FilterAction  string            `json:"filter_action"`
	Filter        []seccompilerRule `json:"filter"`
}

type seccompilerRule struct {
	Syscall string `json:"syscall"`
	Comment string `json:"comment,omitempty"`
}

// serialize produces the enforcement-ready JSON document.
//
// Minimal and Basic emit an allow-list with a trapping default.
// Permissive inverts: allow by default, explicit kill rules for the
// always-denied set.
func (f *Filter) serialize() ([]byte, error) {
	var policy seccompilerPolicy

	if f.level == Permissive {
		names := make([]string, 0, len(f.denied))
		for name := range f.denied {
			names = append(names, name)
		}
		sort.Strings(names)

		rules := make([]seccompilerRule, 0, len(names))
		for _, name := range names {
			rules = append(rules, seccompilerRule{Syscall: name})
		}
		policy = seccompilerPolicy{
			DefaultAction: "allow",
			FilterAction:  "kill_process",
			Filter:        rules,
		}
	} else {
		names := f.AllowedSyscalls()
		rules := make([]seccompilerRule, 0, len(names))
		for _, name := range names {
			rules = append(rules, seccompilerRule{Syscall: name})
		}
		policy = seccompilerPolicy{
			DefaultAction: "trap",
			FilterAction:  "allow",
			Filter:        rules,
		}
	}

	document := seccompilerDocument{"vmm": policy}
	data, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("seccomp: serializing filter: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteFile writes the enforcement-ready JSON document to path with
// mode 0600. The backend passes this path to the hypervisor child at
// launch.
func (f *Filter) WriteFile(path string) error {
	data, err := f.serialize()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("seccomp: writing filter to %s: %w", path, err)
	}
	return nil
}
