package engine

import "strconv"

// WorkItemID identifies a work item. A temporary id belongs to an item that has not
// been created remotely yet; a permanent id is the remote id. The two never compare
// equal, even when their raw values coincide.
type WorkItemID struct {
	value     int
	temporary bool
}

// TemporaryID wraps a watermark handed out by a Tracker. Watermarks are negative.
func TemporaryID(watermark int) WorkItemID {
	return WorkItemID{value: watermark, temporary: true}
}

// PermanentID wraps a remote work item id.
func PermanentID(id int) WorkItemID {
	return WorkItemID{value: id}
}

// Value returns the raw id. Temporary ids are negative.
func (id WorkItemID) Value() int { return id.value }

func (id WorkItemID) IsTemporary() bool { return id.temporary }

func (id WorkItemID) IsZero() bool { return id == WorkItemID{} }

func (id WorkItemID) String() string {
	return strconv.Itoa(id.value)
}

// PermanentIDs converts remote ids into identities.
func PermanentIDs(ids ...int) []WorkItemID {
	out := make([]WorkItemID, 0, len(ids))
	for _, id := range ids {
		out = append(out, PermanentID(id))
	}
	return out
}
