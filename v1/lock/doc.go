// Package lock provides the mutual exclusion that guards every queue
// mutation. A lock is a single store key: whoever manages to write its own
// random token into the absent key owns the lock until the key is deleted.
//
// Waiters poll at a fixed interval. When a syncbus Bus is configured, a
// release also wakes waiters on other nodes so they retry immediately.
//
// Two behaviours are opt-in because existing deployments do not expect them:
// LeaseTTL makes the lock key expire so a crashed holder cannot block the
// queue forever, and SafeRelease only deletes the key while it still carries
// the releasing caller's token. Without SafeRelease, a holder whose lease has
// already expired will delete the lock of whoever acquired it next.
package lock
