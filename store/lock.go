package store

import "errors"

// LockFileName is created inside a locked shard directory.
const LockFileName = "shard.lock"

// ErrLocked is returned when another process holds the shard directory.
var ErrLocked = errors.New("store: shard directory is locked")
