// Package progress estimates and reports bugreport completion.
//
// There is no way to know in advance how long a diagnostic run will take on
// a given host, so the estimator learns: each task reports its elapsed cost,
// and the final total is folded into a cumulative average persisted across
// runs. The persisted average seeds the next run's expected maximum, and the
// maximum grows by a fixed factor whenever actual progress overtakes it, so
// the reported percentage stays monotonic within a run.
package progress
