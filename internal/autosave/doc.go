// Package autosave owns the "is there unsaved work" state machine.
//
// The Scheduler debounces rapid edits into a single save, runs conflict
// detection against the last known baseline commit before committing,
// retries failed saves with a growing delay, and suspends entirely
// while offline. It is built for one editing session per repository and
// branch; concurrent writers against the same baseline need an external
// serialization point.
//
// State transitions:
//
//	idle → pending → saving → idle (saved)
//	                        → retrying → saving
//	                        → conflict (resolution required)
//	                        → error (retries exhausted)
//	any → offline (connectivity lost), offline → pending (reconnect
//	with outstanding data)
//
// Observers subscribe to a typed event channel rather than callbacks;
// delivery is at-most-once and slow consumers lose events instead of
// blocking the state machine.
package autosave
