// Package state is the small key-value layer memoryd keeps next to the
// vector store: background task records and the consolidator's advisory
// lock live here.
//
// Two backends exist. MemoryStore serves a single process and tests.
// NATSStore uses a JetStream KV bucket so several memoryd replicas share
// task status and never consolidate the same collection at once.
//
//	store := state.NewMemoryStore()
//	lock, err := store.Lock("consolidator.jar_el_memory", 10*time.Minute)
//	if errors.Is(err, state.ErrLockHeld) {
//	    return // another instance is running
//	}
//	defer lock.Unlock()
package state
