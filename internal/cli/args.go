// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// ARG PARSER
// =============================================================================

// ArgParser parses the flags shared by every touchid-sudo command:
//   - --flag value or --flag=value
//   - --flag for booleans (names passed to NewArgParser never take a value)
//   - --no-flag to set a boolean false
//   - everything else is positional
type ArgParser struct {
	flags      map[string]string
	boolFlags  map[string]bool
	positional []string
	raw        []string
}

// NewArgParser parses raw. Names in bools are always boolean, so
// "--json status" does not swallow "status" as the value of --json.
func NewArgParser(raw []string, bools ...string) *ArgParser {
	known := make(map[string]bool, len(bools))
	for _, b := range bools {
		known[b] = true
	}

	p := &ArgParser{
		flags:     make(map[string]string),
		boolFlags: make(map[string]bool),
		raw:       raw,
	}

	for i := 0; i < len(raw); i++ {
		arg := raw[i]
		if arg == "--" {
			p.positional = append(p.positional, raw[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			p.positional = append(p.positional, arg)
			continue
		}

		name := strings.TrimLeft(arg, "-")
		if k, v, ok := strings.Cut(name, "="); ok {
			if known[k] || v == "true" || v == "false" {
				b, err := ParseBoolString(v)
				if err == nil {
					p.boolFlags[k] = b
					continue
				}
			}
			p.flags[k] = v
			continue
		}

		if rest, ok := strings.CutPrefix(name, "no-"); ok && known[rest] {
			p.boolFlags[rest] = false
			continue
		}

		if !known[name] && i+1 < len(raw) && !strings.HasPrefix(raw[i+1], "-") {
			p.flags[name] = raw[i+1]
			i++
			continue
		}
		p.boolFlags[name] = true
	}
	return p
}

// Subcommand returns the first positional argument.
func (p *ArgParser) Subcommand() string {
	return p.Positional(0)
}

// Flag returns the value of a string flag, or "".
func (p *ArgParser) Flag(name string) string {
	return p.flags[strings.TrimLeft(name, "-")]
}

// FlagOrDefault returns the flag value or def.
func (p *ArgParser) FlagOrDefault(name, def string) string {
	if v := p.Flag(name); v != "" {
		return v
	}
	return def
}

// FlagInt parses an integer flag. ok is false if the flag is absent.
func (p *ArgParser) FlagInt(name string) (n int, ok bool, err error) {
	v := p.Flag(name)
	if v == "" {
		return 0, false, nil
	}
	n, err = strconv.Atoi(v)
	if err != nil {
		return 0, true, NewValidationErrorWithExample(name, v, "must be an integer", "--"+name+" 5")
	}
	return n, true, nil
}

// FlagSeconds parses a duration flag given as whole seconds ("30") or a Go
// duration ("2m"). ok is false if the flag is absent.
func (p *ArgParser) FlagSeconds(name string) (secs int, ok bool, err error) {
	v := p.Flag(name)
	if v == "" {
		return 0, false, nil
	}
	if n, convErr := strconv.Atoi(v); convErr == nil {
		return n, true, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d%time.Second != 0 {
		return 0, true, NewValidationErrorWithExample(name, v, "must be whole seconds or a duration", "--"+name+" 30s")
	}
	return int(d / time.Second), true, nil
}

// BoolFlag returns the value of a boolean flag, false if absent.
func (p *ArgParser) BoolFlag(name string) bool {
	return p.boolFlags[strings.TrimLeft(name, "-")]
}

// OptionalBool returns a boolean flag's value and whether it was given,
// so --fallback and --no-fallback can both be told apart from neither.
func (p *ArgParser) OptionalBool(name string) (value, ok bool) {
	value, ok = p.boolFlags[strings.TrimLeft(name, "-")]
	return value, ok
}

// Positional returns the positional argument at index, or "".
func (p *ArgParser) Positional(index int) string {
	if index < 0 || index >= len(p.positional) {
		return ""
	}
	return p.positional[index]
}

// PositionalCount returns the number of positional arguments.
func (p *ArgParser) PositionalCount() int {
	return len(p.positional)
}

// HasFlag reports whether the flag was given in any form.
func (p *ArgParser) HasFlag(name string) bool {
	name = strings.TrimLeft(name, "-")
	_, hasString := p.flags[name]
	_, hasBool := p.boolFlags[name]
	return hasString || hasBool
}

// Unknown returns the flags not in allowed, sorted as given.
func (p *ArgParser) Unknown(allowed ...string) []string {
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[a] = true
	}
	var unknown []string
	for _, arg := range p.raw {
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		base := strings.TrimPrefix(name, "no-")
		if !ok[name] && !ok[base] {
			unknown = append(unknown, arg)
		}
	}
	return unknown
}

// Raw returns the original arguments.
func (p *ArgParser) Raw() []string {
	return p.raw
}

// ParseBoolString accepts true/false, yes/no, y/n, 1/0 and on/off.
func ParseBoolString(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "on":
		return true, nil
	case "false", "no", "n", "0", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s", s)
	}
}
