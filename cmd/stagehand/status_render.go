package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
	ansiCyan   = "\x1b[36m"
)

func shouldColorize(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func colorize(w io.Writer, kind statusKind, s string) string {
	if !shouldColorize(w) {
		return s
	}
	switch kind {
	case statusOK:
		return ansiGreen + s + ansiReset
	case statusWarn:
		return ansiYellow + s + ansiReset
	case statusError:
		return ansiRed + s + ansiReset
	default:
		return ansiCyan + s + ansiReset
	}
}

func printStatusLine(w io.Writer, kind statusKind, label, value string) {
	fmt.Fprintf(w, "%-14s %s\n", label+":", colorize(w, kind, value))
}

// formatStats renders a status→count map as "status=count" pairs in a
// stable order, skipping zero counts.
func formatStats(stats map[string]int) string {
	keys := make([]string, 0, len(stats))
	for k, v := range stats {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "none"
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, stats[k]))
	}
	return strings.Join(parts, " ")
}

func boolMark(w io.Writer, ok bool) string {
	if ok {
		return colorize(w, statusOK, "ok")
	}
	return colorize(w, statusError, "fail")
}
