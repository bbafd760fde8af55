// Package dedupe provides a bounded, time-limited set of recently seen keys.
//
// The agent correlation layer marks every retired (connection, sequence) pair
// so that an answer arriving after its wait ended can be reported as late
// rather than as an answer for a sequence that never existed.
package dedupe
