// Package device gathers vendor and firmware diagnostics through an
// external collector component. The collector is the one part of a run we
// do not control: it may hang, crash, or never have been installed. The
// gatherer therefore hands it pre-opened output slots, runs it concurrently,
// and bounds the wait with two chained deadlines: a completion window and,
// after a forced restart, a short grace period. Whatever state the collector
// is in after that, the run moves on with whichever slots hold data.
package device
