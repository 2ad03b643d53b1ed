// Package control implements the line protocol spoken to the caller that
// launched the run over a unix domain socket. The protocol is four verbs:
//
//	BEGIN:<path>          the run started, artifact will land at <path>
//	PROGRESS:<n>/<max>    completion update
//	OK:<path>             the run finished, artifact is at <path>
//	FAIL:<message>        the run failed
//
// One line per message, newline terminated. Callers parse these lines, so
// the grammar is frozen.
package control
