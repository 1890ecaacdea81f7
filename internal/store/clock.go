package store

import "time"

// nowFunc is indirected so tests can pin time deterministically if needed.
var nowFunc = time.Now
