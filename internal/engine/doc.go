// Package engine runs async queries. An Executor drives one query from
// QUEUED through PROCESSING to a terminal status and records its result;
// the Engine runs executors on a bounded worker pool; the Feeder pulls
// queued records into the Engine; the Recoverer resumes records a crash
// left between steps.
package engine
