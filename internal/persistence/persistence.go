package persistence

// Persistence bundles the store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Graph GraphStore
	// Directory is optional. Without it round-robin tasks stay unassigned
	// and user ids are not validated.
	Directory Directory
	State     StateStore
}
