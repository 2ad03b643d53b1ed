// Package consent tracks the user's authorization to share a bugreport.
//
// Collection itself never waits for consent; the pipeline polls the gate at
// phase boundaries and short-circuits when the user has explicitly denied.
// The one genuine blocking wait happens just before the artifact is forwarded
// to the requesting caller.
//
// The external authorizer is modeled as an injected interface that resolves
// asynchronously. An unreachable authorizer simply never resolves: the
// pipeline completes and keeps the artifact local instead of failing.
package consent
