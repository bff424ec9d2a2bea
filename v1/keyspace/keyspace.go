// Package keyspace builds the store keys used by a queue. The layout is fixed
// so that clients written against older deployments keep interoperating.
package keyspace

import "strings"

const prefix = "redis-queue:"

// LockKey returns the key holding the lock token for queue name.
func LockKey(name string) string {
	return prefix + name + ":lock"
}

// FirstKey returns the head pointer key.
func FirstKey(name string) string {
	return prefix + name + ":state:first"
}

// LastKey returns the tail pointer key.
func LastKey(name string) string {
	return prefix + name + ":state:last"
}

// ElementPrefix returns the common prefix of every element record key.
func ElementPrefix(name string) string {
	return prefix + name + ":element:"
}

// ElementKey returns the key of the element record with the given id.
func ElementKey(name, id string) string {
	return ElementPrefix(name) + id
}

// ElementID extracts the element id from an element record key. The boolean
// is false when key does not belong to queue name. Element ids never contain
// ':', so a key of a queue whose name extends name past ":element:" is
// rejected.
func ElementID(name, key string) (string, bool) {
	p := ElementPrefix(name)
	if !strings.HasPrefix(key, p) {
		return "", false
	}
	id := key[len(p):]
	if !ValidElementID(id) {
		return "", false
	}
	return id, true
}

// ValidElementID reports whether id can name an element record.
func ValidElementID(id string) bool {
	return id != "" && !strings.Contains(id, ":")
}

// PushedTopic is the bus topic announced after every successful push.
func PushedTopic(name string) string {
	return prefix + name + ":pushed"
}

// ReleasedTopic is the bus topic announced after the lock is released.
func ReleasedTopic(name string) string {
	return LockKey(name) + ":released"
}
