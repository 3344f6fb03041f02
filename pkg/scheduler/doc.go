// Package scheduler provides the persistent, time-driven job executor.
//
// Jobs are stored as primitive-only records in the document store and
// survive restarts. Two kinds exist: recurrent jobs registered once per
// type with a stable id, and one-shot jobs enqueued ad hoc with caller
// ids. Service collaborators are never serialized; each job type's
// constructor captures them at registration and rebuilds the job at
// dispatch time.
//
// The dispatcher polls the store once per second, fires due jobs on
// goroutines, and guards against overlap per job id. Recurrent records
// are advanced to their next slot before execution; one-shot records are
// removed. Shutdown cancels the shared context and waits a bounded grace
// period for running jobs.
package scheduler
