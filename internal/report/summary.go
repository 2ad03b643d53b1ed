package report

import (
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"
)

// Summary describes a finished run for the Markdown summary entry.
type Summary struct {
	RunID       string
	Started     time.Time
	Elapsed     time.Duration
	Status      string
	ArchivePath string
	Entries     []string
	Progress    int
	Max         int
	TimedOut    []string
}

// Markdown renders the run summary.
//
// Design decision: We use the nao1215/markdown library for fluent markdown
// generation which provides:
// 1. Type-safe markdown generation
// 2. Support for tables, lists, and code blocks
// 3. GitHub-flavored markdown alerts
func (s Summary) Markdown() (string, error) {
	var buf strings.Builder
	md := markdown.NewMarkdown(&buf)

	md.H1("Diagnostic Run Summary")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run ID", "`" + s.RunID + "`"},
			{"Started", s.Started.Format("2006-01-02 15:04:05 MST")},
			{"Duration", s.Elapsed.Round(time.Millisecond).String()},
			{"Status", s.Status},
			{"Archive", "`" + s.ArchivePath + "`"},
			{"Progress", strconv.Itoa(s.Progress) + " / " + strconv.Itoa(s.Max)},
		},
	})
	md.PlainText("")

	if len(s.TimedOut) > 0 {
		md.Warningf("%d task(s) exceeded their time budget and produced partial output.", len(s.TimedOut))
		md.PlainText("")
		md.BulletList(s.TimedOut...)
		md.PlainText("")
	} else {
		md.Tip("All tasks completed within their time budgets.")
		md.PlainText("")
	}

	md.H2("Archive Entries")
	md.PlainText("")
	if len(s.Entries) == 0 {
		md.PlainText("No entries were written.")
	} else {
		md.BulletList(s.Entries...)
	}
	md.PlainText("")

	if err := md.Build(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
