// Package archive builds the single compressed artifact of a diagnostic run.
//
// The archive is a strictly sequential zip: entries are appended in task
// execution order and exactly one entry may be open at a time. Entry names
// pass through an extension blocklist so that attachment filters never reject
// the artifact, and streamed entries honor a deadline so that one stuck
// descriptor cannot wedge the whole run. Whatever happens mid-entry, the
// entry is finalized and the archive stays structurally valid.
package archive
