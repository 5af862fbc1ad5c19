// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode controls how rich the output is.
type Mode string

const (
	// ModeAuto picks ModeStyled on a terminal and ModePlain otherwise.
	ModeAuto Mode = "auto"

	// ModeStyled uses colors, icons and boxes.
	ModeStyled Mode = "styled"

	// ModePlain writes tab-separated lines for scripts.
	ModePlain Mode = "plain"
)

// ModeEnv overrides ModeAuto detection when set.
const ModeEnv = "MARKERCTL_OUTPUT"

// ParseMode converts a flag value to a Mode. Unknown values mean ModeAuto.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "styled", "color", "full":
		return ModeStyled
	case "plain", "machine", "quiet":
		return ModePlain
	default:
		return ModeAuto
	}
}

// Resolve turns ModeAuto into a concrete mode for w. NO_COLOR and
// MARKERCTL_OUTPUT are honored before the terminal check.
func (m Mode) Resolve(w io.Writer) Mode {
	if m != ModeAuto && m != "" {
		return m
	}
	if env := ParseMode(os.Getenv(ModeEnv)); env != ModeAuto {
		return env
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return ModePlain
	}
	if IsTerminal(w) {
		return ModeStyled
	}
	return ModePlain
}

// IsTerminal reports whether w is a terminal, including Cygwin and MSYS
// ptys. Anything that is not an *os.File is not a terminal.
func IsTerminal(w any) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsInteractive reports whether prompts can be shown: stdin and stdout are
// both terminals.
func IsInteractive() bool {
	return IsTerminal(os.Stdin) && IsTerminal(os.Stdout)
}
