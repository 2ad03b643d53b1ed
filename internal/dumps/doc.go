// Package dumps locates crash dumps and capture directories on disk.
//
// Crash dumps accumulate between runs, so text-mode reports only include
// recent ones; the archive keeps everything since size is not a concern
// there. Scanning is best-effort throughout: a vanished or unreadable file
// is skipped, never fatal.
package dumps
