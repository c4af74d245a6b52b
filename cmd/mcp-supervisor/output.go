package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/dull-quay940/mcp-supervisor/internal/session"
)

// isTTY reports whether w is a terminal.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type palette struct {
	ok    *color.Color
	warn  *color.Color
	bad   *color.Color
	muted *color.Color
	bold  *color.Color
}

func newPalette(w io.Writer) palette {
	p := palette{
		ok:    color.New(color.FgGreen),
		warn:  color.New(color.FgYellow),
		bad:   color.New(color.FgRed),
		muted: color.New(color.FgHiBlack),
		bold:  color.New(color.Bold),
	}
	enabled := isTTY(w) && os.Getenv("NO_COLOR") == ""
	for _, c := range []*color.Color{p.ok, p.warn, p.bad, p.muted, p.bold} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) state(s session.State) string {
	label := strings.ToUpper(string(s))
	switch s {
	case session.StateCompleted:
		return p.ok.Sprint(label)
	case session.StateFailed, session.StateTimeout:
		return p.bad.Sprint(label)
	case session.StateStopped:
		return p.warn.Sprint(label)
	default:
		return p.muted.Sprint(label)
	}
}

// printSession writes a one-line summary, then the result as JSON if the
// worker reported one.
func printSession(w io.Writer, p palette, sess session.Session) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", p.bold.Sprint(sess.ID), sess.WorkerTypeID, p.state(sess.State))
	if sess.RetryCount > 0 {
		fmt.Fprintf(&b, " retry=%d/%d", sess.RetryCount, sess.RetryLimit)
	}
	if sess.Telemetry.Runtime > 0 {
		fmt.Fprintf(&b, " runtime=%s", sess.Telemetry.Runtime.Round(time.Millisecond))
	}
	if code := sess.Outcome.ExitCode; code != nil {
		fmt.Fprintf(&b, " exit=%d", *code)
	}
	if sess.Outcome.Signal != "" {
		fmt.Fprintf(&b, " signal=%s", sess.Outcome.Signal)
	}
	fmt.Fprintln(w, b.String())

	if sess.Outcome.ErrorMessage != "" {
		fmt.Fprintln(w, p.bad.Sprint("error: ")+sess.Outcome.ErrorMessage)
	}
	if sess.Outcome.Result != nil {
		data, err := json.Marshal(sess.Outcome.Result)
		if err == nil {
			fmt.Fprintln(w, string(data))
		}
	}
}

// exitFor mirrors a terminal session in the process exit code.
func exitFor(sess session.Session) error {
	switch sess.State {
	case session.StateCompleted:
		return nil
	case session.StateTimeout:
		return &ExitCodeError{Code: exitTimeout}
	case session.StateStopped:
		return &ExitCodeError{Code: exitStopped}
	}
	if code := sess.Outcome.ExitCode; code != nil && *code > 0 {
		return &ExitCodeError{Code: *code}
	}
	return &ExitCodeError{Code: 1}
}
