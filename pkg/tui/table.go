package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/liliang-cn/rusers/pkg/machine"
	"github.com/liliang-cn/rusers/pkg/rusers"
	"github.com/mattn/go-runewidth"
)

// TableOptions controls RenderOutcomes.
type TableOptions struct {
	// All includes hosts with nobody logged in and hosts that failed.
	All bool
	// Now is used for idle and login columns; zero means time.Now.
	Now time.Time
}

// RenderOutcomes draws one row per user per host. Outcomes are printed in
// the order given.
func RenderOutcomes(outcomes []rusers.Outcome, opts TableOptions) string {
	const (
		colHost  = 24
		colUser  = 14
		colCount = 5
		colLine  = 10
		colFrom  = 22
		colLogin = 12
	)
	cols := []int{colHost, colUser, colCount, colLine, colFrom, colLogin}

	var b strings.Builder
	b.WriteString(borderStyle.Render(border("┌", "┬", "┐", cols)))
	b.WriteString("\n")
	writeRow(&b, cols, "Host", "User", "Sess", "Line", "From", "Login")
	b.WriteString(borderStyle.Render(border("├", "┼", "┤", cols)))
	b.WriteString("\n")

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	var up, down, users, sessions int
	for _, out := range outcomes {
		if !out.OK() {
			down++
			if opts.All {
				writeRow(&b, cols, out.Host.String(), errStyle.Render("✗ failed"), "", "", out.Err.Error(), "")
			}
			continue
		}
		up++
		users += len(out.Users)
		sessions += out.Sessions()

		if len(out.Users) == 0 {
			if opts.All {
				writeRow(&b, cols, out.Host.String(), detailStyle.Render("(nobody)"), "", "", "", "")
			}
			continue
		}
		for i, u := range out.Users {
			host := ""
			if i == 0 {
				host = out.Host.String()
			}
			writeRow(&b, cols, host, u.User(), fmt.Sprint(u.Count), u.Record.Line, u.Record.Remote, formatLogin(u.Record.LoginTime, now))
		}
	}

	b.WriteString(borderStyle.Render(border("└", "┴", "┘", cols)))
	b.WriteString("\n")
	b.WriteString(detailStyle.Render(fmt.Sprintf("%d hosts up, %d down, %d users, %d sessions", up, down, users, sessions)))
	b.WriteString("\n")
	return b.String()
}

// RenderMatches draws the result of a user search.
func RenderMatches(matches []rusers.Match) string {
	const (
		colHost  = 24
		colUser  = 14
		colCount = 5
		colLine  = 10
		colFrom  = 22
	)
	cols := []int{colHost, colUser, colCount, colLine, colFrom}

	var b strings.Builder
	b.WriteString(borderStyle.Render(border("┌", "┬", "┐", cols)))
	b.WriteString("\n")
	writeRow(&b, cols, "Host", "User", "Sess", "Line", "From")
	b.WriteString(borderStyle.Render(border("├", "┼", "┤", cols)))
	b.WriteString("\n")

	for _, m := range matches {
		writeRow(&b, cols, m.Host.String(), m.User.User(), fmt.Sprint(m.User.Count), m.User.Record.Line, m.User.Record.Remote)
	}

	b.WriteString(borderStyle.Render(border("└", "┴", "┘", cols)))
	b.WriteString("\n")
	b.WriteString(detailStyle.Render(fmt.Sprintf("%d matches", len(matches))))
	b.WriteString("\n")
	return b.String()
}

// RenderHosts lists machines by group.
func RenderHosts(machines []machine.Machine) string {
	const (
		colHost  = 24
		colGroup = 14
		colOS    = 12
		colRole  = 16
	)
	cols := []int{colHost, colGroup, colOS, colRole}

	var b strings.Builder
	b.WriteString(borderStyle.Render(border("┌", "┬", "┐", cols)))
	b.WriteString("\n")
	writeRow(&b, cols, "Host", "Group", "OS", "Use")
	b.WriteString(borderStyle.Render(border("├", "┼", "┤", cols)))
	b.WriteString("\n")
	for _, m := range machines {
		writeRow(&b, cols, m.Name, m.Group, m.OS, m.Role)
	}
	b.WriteString(borderStyle.Render(border("└", "┴", "┘", cols)))
	b.WriteString("\n")
	return b.String()
}

// formatLogin shows a clock time for today's logins and a date otherwise.
func formatLogin(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	y1, m1, d1 := t.Date()
	y2, m2, d2 := now.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return t.Format("15:04")
	}
	return t.Format("Jan _2 15:04")
}

func border(left, mid, right string, cols []int) string {
	parts := make([]string, len(cols))
	for i, w := range cols {
		parts[i] = strings.Repeat("─", w+2)
	}
	return left + strings.Join(parts, mid) + right
}

func writeRow(b *strings.Builder, cols []int, cells ...string) {
	for i, w := range cols {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		b.WriteString(borderStyle.Render("│"))
		b.WriteString(" " + padRight(truncate(cell, w), w) + " ")
	}
	b.WriteString(borderStyle.Render("│"))
	b.WriteString("\n")
}

// truncate shortens s to max display columns. Styled strings are left alone.
func truncate(s string, max int) string {
	if strings.ContainsRune(s, '\033') {
		return s
	}
	if runewidth.StringWidth(s) <= max {
		return s
	}
	if max <= 3 {
		return runewidth.Truncate(s, max, "")
	}
	return runewidth.Truncate(s, max, "...")
}

func padRight(s string, width int) string {
	visibleWidth := runewidth.StringWidth(stripAnsi(s))
	if visibleWidth >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visibleWidth)
}

// stripAnsi removes ANSI escape codes from a string
func stripAnsi(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}
