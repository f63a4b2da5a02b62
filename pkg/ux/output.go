// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders autopack CLI output.
//
// Rich mode styles output with the palette below. Machine mode writes plain
// tab-separated lines for scripts; it is chosen automatically when stdout is
// not a terminal.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
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

// Styles are the shared lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Border  lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Header:  lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
	Cell:    lipgloss.NewStyle().Padding(0, 1),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Border:  lipgloss.NewStyle().Foreground(ColorTealDeep),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
)

// Render returns the icon in its color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return Styles.Muted.Render(string(i))
	}
}

// Mode selects rich or machine output.
type Mode int

const (
	ModeRich Mode = iota
	ModeMachine
)

// DetectMode returns ModeMachine when f is not a terminal.
func DetectMode(f *os.File) Mode {
	fd := f.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return ModeRich
	}
	return ModeMachine
}

// Printer writes CLI output in one mode.
type Printer struct {
	out  io.Writer
	mode Mode
}

// NewPrinter creates a printer.
func NewPrinter(out io.Writer, mode Mode) *Printer {
	return &Printer{out: out, mode: mode}
}

// Mode returns the output mode.
func (p *Printer) Mode() Mode {
	return p.mode
}

// Title prints a heading. Machine mode omits it.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	p.status("OK", IconSuccess, Styles.Success, text)
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	p.status("WARN", IconWarning, Styles.Warning, text)
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	p.status("ERROR", IconError, Styles.Error, text)
}

func (p *Printer) status(tag string, icon Icon, style lipgloss.Style, text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.out, "%s: %s\n", tag, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", icon.Render(), style.Render(text))
}

// KeyValues prints aligned key/value pairs in order.
func (p *Printer) KeyValues(pairs ...[2]string) {
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv[0]))
	}
	for _, kv := range pairs {
		if p.mode == ModeMachine {
			fmt.Fprintf(p.out, "%s\t%s\n", kv[0], kv[1])
			continue
		}
		fmt.Fprintf(p.out, "%s  %s\n", Styles.Muted.Render(fmt.Sprintf("%-*s", width, kv[0])), kv[1])
	}
}

// Table prints rows under headers. Cells may already carry styling from
// Badge.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.mode == ModeMachine {
		fmt.Fprintln(p.out, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(p.out, strings.Join(row, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(Styles.Border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return Styles.Cell
		})
	fmt.Fprintln(p.out, t.Render())
}

// Badge colors a phase or breaker state name. Machine mode returns it
// unchanged.
func (p *Printer) Badge(state string) string {
	if p.mode == ModeMachine {
		return state
	}
	switch state {
	case "COMPLETE", "CLOSED":
		return Styles.Success.Render(state)
	case "HALF_OPEN", "EXECUTING", "QUEUED":
		return Styles.Warning.Render(state)
	case "FAILED", "STUCK", "OPEN":
		return Styles.Error.Render(state)
	default:
		return Styles.Muted.Render(state)
	}
}
