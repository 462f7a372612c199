package types

// ListID is the sentinel Tag.ID naming the collection view of a kind.
const ListID = "LIST"

// Tag kinds used by the admin application.
const (
	KindProduct    = "Product"
	KindNews       = "News"
	KindSettings   = "Settings"
	KindMedia      = "Media"
	KindSubscriber = "Subscriber"
	KindQuote      = "Quote"
)

// Tag names a class or an instance of cacheable data.
// Tags are plain values and compare with ==.
type Tag struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// NewTag returns the tag for a single entity.
func NewTag(kind, id string) Tag {
	return Tag{Kind: kind, ID: id}
}

// ListTag returns the tag for the collection view of kind.
func ListTag(kind string) Tag {
	return Tag{Kind: kind, ID: ListID}
}

// IsList reports whether t names a collection view.
func (t Tag) IsList() bool {
	return t.ID == ListID
}

func (t Tag) String() string {
	return t.Kind + ":" + t.ID
}
