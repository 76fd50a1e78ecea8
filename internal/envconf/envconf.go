// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

// Package envconf binds environment variables to command line flags so
// the service can be configured either way inside a container.
package envconf

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Bind applies environment variables of the form PREFIX_FLAGNAME to
// every flag in the default FlagSet that was not set explicitly on the
// command line.  Dashes in flag names become underscores.  Must be
// called after flag.Parse.  Each flag's usage string is annotated with
// its variable name.
func Bind(prefix string) error {
	return bind(prefix, flag.CommandLine)
}

func bind(prefix string, fs *flag.FlagSet) error {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		name := EnvName(prefix, f.Name)
		f.Usage = fmt.Sprintf("%s [%s]", f.Usage, name)

		if explicit[f.Name] {
			return
		}
		value, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		if err := fs.Set(f.Name, value); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid value %q for %s: %w", value, name, err)
		}
	})
	return firstErr
}

// EnvName returns the environment variable consulted for the named
// flag.
func EnvName(prefix, flagName string) string {
	name := strings.ToUpper(prefix + "_" + flagName)
	return strings.ReplaceAll(name, "-", "_")
}
