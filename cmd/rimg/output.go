package main

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"rimg/internal/imagestyle"
)

var (
	successText = color.New(color.FgGreen).SprintFunc()
	warnText    = color.New(color.FgYellow).SprintFunc()
	errorText   = color.New(color.FgRed).SprintFunc()
	dimText     = color.New(color.FgHiBlack).SprintFunc()
	boldText    = color.New(color.Bold).SprintFunc()
)

// configureColor turns colors off unless w is a terminal. NO_COLOR and
// CLICOLOR=0 disable them, CLICOLOR_FORCE forces them on.
func configureColor(w io.Writer) {
	color.NoColor = !colorEnabled(w)
}

func colorEnabled(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if val, ok := os.LookupEnv("CLICOLOR"); ok && strings.TrimSpace(val) == "0" {
		return false
	}
	if val, ok := os.LookupEnv("CLICOLOR_FORCE"); ok && envTruthy(val) {
		return true
	}
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

func envTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

func renderStyles(w io.Writer, styles []*imagestyle.ImageStyle) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Label", "Parametric", "Ratio", "Extension"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, style := range styles {
		parametric, ratio := "no", "-"
		if style.IsParametric() {
			parametric = "yes"
			ratio = strconv.FormatFloat(style.Ratio(), 'f', 4, 64)
		}
		ext := style.Extension()
		if ext == "" {
			ext = "-"
		}
		table.Append([]string{style.ID, style.Label, parametric, ratio, ext})
	}
	table.Render()
}
