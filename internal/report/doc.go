// Package report formats the human-readable parts of a diagnostic run: the
// header block at the top of the main entry, the section and duration
// banners between task outputs, and the Markdown run summary attached to the
// archive. Formats here are parsed by downstream tooling, so banner grammar
// is fixed.
package report
