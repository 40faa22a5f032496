package users

import "sync"

// knownUsers remembers identifiers already confirmed to exist.
type knownUsers struct {
	ids sync.Map
}

func (k *knownUsers) remember(userID string) {
	k.ids.Store(userID, struct{}{})
}

func (k *knownUsers) has(userID string) bool {
	_, ok := k.ids.Load(userID)
	return ok
}
