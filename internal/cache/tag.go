package cache

// ListID is the identifier of the collection tag of a resource type. A list
// tag and the item tags of the same type are independent: invalidating one
// does not invalidate the other.
const ListID = "LIST"

// Tag labels cached data. Queries declare the tags they provide, mutations
// and server events declare the tags they invalidate. Matching is exact.
type Tag struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ListTag returns the collection tag for a resource type.
func ListTag(typ string) Tag {
	return Tag{Type: typ, ID: ListID}
}

// ItemTag returns the tag of a single record.
func ItemTag(typ, id string) Tag {
	return Tag{Type: typ, ID: id}
}

func (t Tag) IsList() bool {
	return t.ID == ListID
}

func (t Tag) String() string {
	return t.Type + ":" + t.ID
}
