// Package exec runs tests in Python subprocesses.
//
// Two isolation modes share one embedded Python runner: process-per-test
// spawns a fresh child for every test, and process-per-run keeps a pool of
// warm workers served over a line-delimited JSON protocol on standard
// streams. Test code never executes in the orchestrator's address space;
// everything crossing the boundary is serialized JSON validated against a
// schema before it is trusted.
package exec
