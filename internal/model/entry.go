package model

// Version orders concurrent writes to the same key. Timestamps come from a
// hybrid logical clock; Origin breaks ties deterministically.
type Version struct {
	Timestamp uint64  `json:"ts"`
	Origin    Address `json:"origin"`
}

// After reports whether v supersedes other
func (v Version) After(other Version) bool {
	if v.Timestamp != other.Timestamp {
		return v.Timestamp > other.Timestamp
	}
	return v.Origin > other.Origin
}

func (v Version) IsZero() bool {
	return v.Timestamp == 0 && v.Origin == ""
}

// Entry is a versioned key/value pair. Removals are kept as tombstones so a
// late transferred copy cannot resurrect the key.
type Entry struct {
	Key       string  `json:"key"`
	Value     []byte  `json:"value,omitempty"`
	Version   Version `json:"version"`
	Tombstone bool    `json:"tombstone,omitempty"`
}

// Notification is one element of a segment iteration: either an entry, or the
// marker that closes the segment.
type Notification struct {
	Segment  int
	Entry    *Entry
	Complete bool
}

// StateChunk carries entries of one segment from a source to a destination.
// IsLastChunk tells the receiver that the segment is fully transferred.
type StateChunk struct {
	Segment     int     `json:"segment"`
	Entries     []Entry `json:"entries,omitempty"`
	IsLastChunk bool    `json:"last"`
}
