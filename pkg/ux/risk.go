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
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// RiskStyle returns the badge style for a bucket color. Bright bucket
// colors get dark text; an empty color falls back to slate.
func RiskStyle(color string) lipgloss.Style {
	bg := lipgloss.Color(color)
	if color == "" {
		bg = ColorSlate
	}
	return lipgloss.NewStyle().
		Bold(true).
		Padding(0, 1).
		Background(bg).
		Foreground(textOn(color))
}

// textOn picks black or white text for a #RRGGBB background.
func textOn(color string) lipgloss.Color {
	var r, g, b int
	if _, err := fmt.Sscanf(strings.TrimPrefix(color, "#"), "%02x%02x%02x", &r, &g, &b); err != nil {
		return lipgloss.Color("#FFFFFF")
	}
	// Rec. 601 luma.
	if 0.299*float64(r)+0.587*float64(g)+0.114*float64(b) > 140 {
		return lipgloss.Color("#000000")
	}
	return lipgloss.Color("#FFFFFF")
}

// RiskBadge renders a risk level label in its bucket color.
func (p *Printer) RiskBadge(label, color string) string {
	if p.Plain() {
		return label
	}
	return RiskStyle(color).Render(strings.ToUpper(label))
}

// ScoreBar renders score as a share of limit. A non-positive or infinite
// limit renders the bare score.
func (p *Printer) ScoreBar(score, limit float64, width int, color string) string {
	if p.Plain() || limit <= 0 || math.IsInf(limit, 0) || width <= 0 {
		return fmt.Sprintf("%.2f", score)
	}
	pct := math.Min(math.Max(score/limit, 0), 1)
	filled := int(pct * float64(width))
	bar := lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render(strings.Repeat("█", filled)) +
		Styles.Muted.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %.2f", bar, score)
}
