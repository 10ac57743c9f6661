package main

import (
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
)

var (
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	gray   = color.New(color.FgHiBlack)
)

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func heading(out io.Writer, title string) {
	cyan.Fprintf(out, "  %s\n", title)
	cyan.Fprintf(out, "  %s\n", strings.Repeat("-", len(title)))
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
