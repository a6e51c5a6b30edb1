package process

import "time"

// nowFunc is indirected so tests can control idle/state timestamps deterministically.
var nowFunc = time.Now
