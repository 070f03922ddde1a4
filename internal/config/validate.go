package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Validation failure kinds. Callers classify with errors.Is.
var (
	ErrInvalidConfig  = errors.New("invalid config")
	ErrInvalidCommand = errors.New("invalid command")
	ErrInvalidArgs    = errors.New("invalid args")
	ErrInvalidEnv     = errors.New("invalid env")
)

const (
	maxArgs       = 50
	maxEnvEntries = 20
)

// commandAllowlist is the set of bare interpreter names a server may launch.
var commandAllowlist = map[string]struct{}{
	"uvx":     {},
	"python":  {},
	"python3": {},
	"node":    {},
	"npx":     {},
}

// commandPathPrefixes are the directories absolute commands must live under.
var commandPathPrefixes = []string{"/usr/bin/", "/usr/local/bin/"}

// shellMetachars are rejected anywhere in a command or argument. Children are
// spawned without a shell, so their presence signals a config mistake or an
// injection attempt.
const shellMetachars = "&|;`$()<>"

var envNamePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// normalize applies defaults and tilde expansion in place.
func (s *ServerConfig) normalize() {
	if s.Type == "" {
		s.Type = ServerTypeStdio
	}
	if s.Args == nil {
		s.Args = []string{}
	}
	if s.Env == nil {
		s.Env = map[string]string{}
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	s.Command = expandTilde(s.Command)
	for i, arg := range s.Args {
		s.Args[i] = expandTilde(arg)
	}
}

// validate checks one normalized server definition.
func (s *ServerConfig) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: server name must not be empty", ErrInvalidConfig)
	}
	if s.Type != ServerTypeStdio {
		return fmt.Errorf("%w: server %q has unsupported type %q", ErrInvalidConfig, s.Name, s.Type)
	}
	if err := validateCommand(s.Command); err != nil {
		return fmt.Errorf("server %q: %w", s.Name, err)
	}
	if len(s.Args) > maxArgs {
		return fmt.Errorf("%w: server %q has %d args, max %d", ErrInvalidArgs, s.Name, len(s.Args), maxArgs)
	}
	for _, arg := range s.Args {
		if i := strings.IndexAny(arg, shellMetachars); i >= 0 {
			return fmt.Errorf("%w: server %q arg %q contains %q", ErrInvalidArgs, s.Name, arg, arg[i])
		}
	}
	if len(s.Env) > maxEnvEntries {
		return fmt.Errorf("%w: server %q has %d env entries, max %d", ErrInvalidEnv, s.Name, len(s.Env), maxEnvEntries)
	}
	for name := range s.Env {
		if !envNamePattern.MatchString(name) {
			return fmt.Errorf("%w: server %q env name %q is not allowed", ErrInvalidEnv, s.Name, name)
		}
	}
	return nil
}

func validateCommand(command string) error {
	if command == "" {
		return fmt.Errorf("%w: command must not be empty", ErrInvalidCommand)
	}
	if i := strings.IndexAny(command, shellMetachars); i >= 0 {
		return fmt.Errorf("%w: command %q contains %q", ErrInvalidCommand, command, command[i])
	}
	if _, ok := commandAllowlist[command]; ok {
		return nil
	}
	if filepath.IsAbs(command) {
		clean := filepath.Clean(command)
		for _, prefix := range commandPathPrefixes {
			if strings.HasPrefix(clean, prefix) {
				return nil
			}
		}
		return fmt.Errorf("%w: %q is outside the allowed path prefixes", ErrInvalidCommand, command)
	}
	return fmt.Errorf("%w: %q is not an allowed interpreter", ErrInvalidCommand, command)
}

// expandTilde expands a leading ~ to the current user's home directory.
func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
