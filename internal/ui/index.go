// Package ui renders the HTML overview served at the root of the HTTP server.
package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/a-h/templ"
)

// RunItem is one row of the live runs table.
type RunItem struct {
	ID          string
	RoutineName string
	State       string
	Trigger     string
	Rows        int
	Info        string
	Error       string
	StartTime   time.Time
	EndTime     *time.Time
}

// ArchivedItem is one row of the archive table.
type ArchivedItem struct {
	ID          string
	RoutineName string
	Filename    string
	Rows        int
	StartedAt   time.Time
}

// Index renders the overview page.
func Index(runs []RunItem, archived []ArchivedItem) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString(pageHead)

		b.WriteString(`<h2>Runs</h2>`)
		if len(runs) == 0 {
			b.WriteString(`<p class="empty">No runs yet. POST a routine to /api/v1/runs to start one.</p>`)
		} else {
			b.WriteString(`<table><thead><tr><th>ID</th><th>Routine</th><th>State</th><th>Trigger</th><th>Rows</th><th>Started</th><th>Duration</th><th>Message</th></tr></thead><tbody>`)
			for _, r := range runs {
				msg := r.Info
				if r.Error != "" {
					msg = r.Error
				}
				fmt.Fprintf(&b, `<tr class="%s"><td><a href="/api/v1/runs/%s">%s</a></td><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>%s</td><td>%s</td><td>%s</td></tr>`,
					templ.EscapeString(r.State),
					templ.EscapeString(r.ID), templ.EscapeString(shortID(r.ID)),
					templ.EscapeString(r.RoutineName),
					templ.EscapeString(r.State),
					templ.EscapeString(r.Trigger),
					r.Rows,
					r.StartTime.Format("2006-01-02 15:04:05"),
					duration(r.StartTime, r.EndTime),
					templ.EscapeString(msg),
				)
			}
			b.WriteString(`</tbody></table>`)
		}

		b.WriteString(`<h2>Archive</h2>`)
		if len(archived) == 0 {
			b.WriteString(`<p class="empty">Nothing archived yet.</p>`)
		} else {
			b.WriteString(`<table><thead><tr><th>ID</th><th>Routine</th><th>File</th><th>Rows</th><th>Started</th></tr></thead><tbody>`)
			for _, a := range archived {
				fmt.Fprintf(&b, `<tr><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>%s</td></tr>`,
					templ.EscapeString(a.ID),
					templ.EscapeString(a.RoutineName),
					templ.EscapeString(a.Filename),
					a.Rows,
					a.StartedAt.Format("2006-01-02 15:04:05"),
				)
			}
			b.WriteString(`</tbody></table>`)
		}

		b.WriteString(pageFoot)
		_, err := io.WriteString(w, b.String())
		return err
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func duration(start time.Time, end *time.Time) string {
	if end == nil {
		return time.Since(start).Round(time.Second).String()
	}
	return end.Sub(start).Round(time.Millisecond).String()
}

const pageHead = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>badgerctl</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #222; }
table { border-collapse: collapse; width: 100%; margin-bottom: 2rem; }
th, td { border-bottom: 1px solid #ddd; padding: .4rem .6rem; text-align: left; font-size: .9rem; }
tr.failed td { color: #a40000; }
tr.running td, tr.paused td { font-weight: 600; }
.empty { color: #777; }
</style>
</head>
<body>
<h1>badgerctl</h1>
`

const pageFoot = `</body>
</html>
`
