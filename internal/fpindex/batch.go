package fpindex

// Batch collects changes for one Update call
type Batch struct {
	Changes []Change
}

// Insert adds or replaces document id
func (b *Batch) Insert(id uint32, hashes []uint32) {
	b.Changes = append(b.Changes, Change{Insert: &Insert{ID: id, Hashes: hashes}})
}

// Delete removes document id
func (b *Batch) Delete(id uint32) {
	b.Changes = append(b.Changes, Change{Delete: &Delete{ID: id}})
}

// SetAttribute records an attribute. Zero values are not representable and
// are skipped.
func (b *Batch) SetAttribute(name string, value uint64) {
	if value == 0 {
		return
	}
	b.Changes = append(b.Changes, Change{SetAttribute: &SetAttribute{Name: name, Value: value}})
}

// Len returns the number of changes
func (b *Batch) Len() int {
	return len(b.Changes)
}

// Empty reports whether the batch has no insert or delete
func (b *Batch) Empty() bool {
	for _, c := range b.Changes {
		if c.Insert != nil || c.Delete != nil {
			return false
		}
	}
	return true
}
