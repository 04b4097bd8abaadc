package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Banner is printed at the top of interactive commands
const Banner = `
  _   _ _                       _
 | |_(_) | ___  __ _ _ __ __ _| |__
 | __| | |/ _ \/ _' | '__/ _' | '_ \
 | |_| | |  __/ (_| | | | (_| | |_) |
  \__|_|_|\___|\__, |_|  \__,_|_.__/
               |___/  bulk map tile fetcher
`

var (
	accent  = lipgloss.Color("#00B7C3")
	warn    = lipgloss.Color("#E5A50A")
	danger  = lipgloss.Color("#E01B24")
	success = lipgloss.Color("#2EC27E")
	muted   = lipgloss.Color("#8B8B8B")

	bannerStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(accent)
	valueStyle   = lipgloss.NewStyle().Foreground(warn)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warn)
	errorStyle   = lipgloss.NewStyle().Foreground(danger).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(muted)
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// Out receives everything printed by this package
var Out io.Writer = os.Stdout

// IsInteractive reports whether f is attached to a terminal
func IsInteractive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// TerminalWidth returns the width of f, or fallback when unknown
func TerminalWidth(f *os.File, fallback int) int {
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// PrintBanner prints the application banner
func PrintBanner() {
	fmt.Fprint(Out, bannerStyle.Render(Banner)+"\n")
}

// PrintError prints an error message in red
func PrintError(msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = msg + ": " + fmt.Sprintf("%v", args[0])
	}
	fmt.Fprintln(Out, errorStyle.Render(msg))
}

// PrintSuccess prints a success message in green
func PrintSuccess(msg string) {
	fmt.Fprintln(Out, successStyle.Render(msg))
}

// PrintInfo prints a label/value pair
func PrintInfo(label string, value string) {
	fmt.Fprintf(Out, "%s: %s\n", labelStyle.Render(label), valueStyle.Render(value))
}

// PrintWarning prints a warning message in yellow
func PrintWarning(msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = msg + ": " + fmt.Sprintf("%v", args[0])
	}
	fmt.Fprintln(Out, warningStyle.Render(msg))
}

// Dim renders secondary text
func Dim(s string) string {
	return dimStyle.Render(s)
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// FormatBytes formats bytes in a human-readable way
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
