package ports

// StateStore persists the last sequence number seen per source so a restart
// does not re-record the endpoint's current document.
type StateStore interface {
	Load() (map[string]uint64, error)
	Save(map[string]uint64) error
}
