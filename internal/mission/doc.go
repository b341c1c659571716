// Package mission holds the persisted task model: the mission manifest, the
// task ledger that owns every Task record, and the crash-safe run state.
//
// The ledger is the single writer of record for tasks. Other components read
// snapshots and request mutation through Transition; they never write tasks
// directly. While a mission is active the manifest is guarded by an advisory
// lock file so concurrent external edits are prevented, and a filesystem
// watcher reports edits that happen anyway.
package mission
