package schema

// Candidate is a fetched article offered to the item store, together with
// its body text. Origin does not matter: a feed poll, an inbox file or a
// reader-API import all produce candidates.
type Candidate struct {
	Item Item
	Body string
}

// Validate checks the embedded item.
func (c *Candidate) Validate() error {
	return c.Item.Validate()
}
