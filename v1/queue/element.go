package queue

// Element is the persisted node of the linked list. Next is nil on the tail.
// The JSON layout is shared by every client of a keyspace.
type Element[T any] struct {
	ID   string  `json:"id"`
	Data T       `json:"data"`
	Next *string `json:"next"`
}

// link is the payload-agnostic view of an element used to walk the list
// without decoding data.
type link struct {
	ID   string  `json:"id"`
	Next *string `json:"next"`
}
