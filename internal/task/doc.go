// Package task runs the individual dump actions of a diagnostic run.
//
// A task is either a process to spawn or a file to copy into the active
// output sink. Process tasks are bounded by a per-task timeout; on expiry
// the whole process group is killed and the task reports a distinguished
// timed-out outcome instead of failing the run. File tasks open their source
// non-blocking so a FIFO or stuck device node cannot wedge the pipeline.
// Every invocation charges its cost to the progress estimator.
package task
