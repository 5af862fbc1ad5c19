// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for markerctl.
//
// A Printer writes either styled output (lipgloss colors, icons, boxes) or
// plain tab-separated lines, chosen once from its Mode. Risk levels are
// rendered in the color of their scoring bucket.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title    lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Key      lipgloss.Style
	Box      lipgloss.Style
	AlertBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Key:     lipgloss.NewStyle().Foreground(ColorTealPrimary).Width(18),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	AlertBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with its color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// plainTag is the word used for an icon in plain output.
func (i Icon) plainTag() string {
	switch i {
	case IconSuccess:
		return "OK"
	case IconWarning:
		return "WARN"
	case IconError:
		return "ERROR"
	case IconPending:
		return "SKIP"
	default:
		return strings.TrimSpace(string(i))
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes command output in one resolved Mode.
//
// # Thread Safety
//
// Not safe for concurrent use; one command owns one Printer.
type Printer struct {
	out  io.Writer
	err  io.Writer
	mode Mode
}

// NewPrinter creates a Printer. Nil writers mean stdout and stderr;
// ModeAuto is resolved against out.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Printer{out: out, err: errOut, mode: mode.Resolve(out)}
}

// Mode returns the resolved mode.
func (p *Printer) Mode() Mode { return p.mode }

// Plain reports whether output is unstyled.
func (p *Printer) Plain() bool { return p.mode == ModePlain }

// Out returns the primary writer.
func (p *Printer) Out() io.Writer { return p.out }

// Title prints a heading. Plain output omits it.
func (p *Printer) Title(text string) {
	if p.Plain() {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	if p.Plain() {
		fmt.Fprintf(p.out, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning. Plain output goes to the error writer.
func (p *Printer) Warning(text string) {
	if p.Plain() {
		fmt.Fprintf(p.err, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error to the error writer.
func (p *Printer) Error(text string) {
	if p.Plain() {
		fmt.Fprintf(p.err, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.err, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.Plain() {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints secondary text. Plain output omits it.
func (p *Printer) Muted(text string) {
	if p.Plain() {
		return
	}
	fmt.Fprintln(p.out, Styles.Muted.Render(text))
}

// Field prints a key and its value.
func (p *Printer) Field(key string, value any) {
	if p.Plain() {
		fmt.Fprintf(p.out, "%s\t%v\n", key, value)
		return
	}
	fmt.Fprintf(p.out, "%s %v\n", Styles.Key.Render(key), value)
}

// Box prints content in a rounded box; alert boxes have a red border.
func (p *Printer) Box(title, content string, alert bool) {
	if p.Plain() {
		fmt.Fprintf(p.out, "%s: %s\n", title, content)
		return
	}
	style, head := Styles.Box, Styles.Title
	if alert {
		style, head = Styles.AlertBox, Styles.Error.Bold(true)
	}
	fmt.Fprintln(p.out, style.Width(64).Render(head.Render(title)+"\n"+content))
}

// FileStatus prints one file with its outcome.
func (p *Printer) FileStatus(path string, status Icon, reason string) {
	if p.Plain() {
		fmt.Fprintf(p.out, "%s\t%s\t%s\n", status.plainTag(), path, reason)
		return
	}
	if reason != "" {
		fmt.Fprintf(p.out, "%s %s %s\n", status.Render(), path, Styles.Muted.Render("("+reason+")"))
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", status.Render(), path)
}

// Stat is one count in a summary line.
type Stat struct {
	Label string
	Value int
	Icon  Icon
}

// Summary prints counts on one line.
//
//	p.Summary(ux.Stat{"repaired", 3, ux.IconSuccess}, ux.Stat{"failed", 1, ux.IconError})
func (p *Printer) Summary(stats ...Stat) {
	if p.Plain() {
		parts := make([]string, len(stats))
		for i, s := range stats {
			parts[i] = fmt.Sprintf("%s=%d", s.Label, s.Value)
		}
		fmt.Fprintf(p.out, "SUMMARY: %s\n", strings.Join(parts, " "))
		return
	}
	parts := make([]string, len(stats))
	for i, s := range stats {
		n := fmt.Sprintf("%d", s.Value)
		switch s.Icon {
		case IconSuccess:
			n = Styles.Success.Render(n)
		case IconWarning:
			n = Styles.Warning.Render(n)
		case IconError:
			n = Styles.Error.Render(n)
		default:
			n = Styles.Bold.Render(n)
		}
		parts[i] = n + " " + Styles.Muted.Render(s.Label)
	}
	fmt.Fprintf(p.out, "\n%s\n", strings.Join(parts, "  "))
}
