package srv

import "errors"

var ErrNotFound = errors.New("not found")

// ErrStaleVersion is returned by version-guarded writes whose version is not
// greater than the stored one. Persistence tasks treat it as success: a newer
// write already landed.
var ErrStaleVersion = errors.New("stale version")
