package replog

import "errors"

var (
	ErrSnapshotStaged       = errors.New("replog: snapshot already staged")
	ErrInvalidSnapshotIndex = errors.New("replog: invalid snapshot index")
	ErrNotContiguous        = errors.New("replog: restored entries are not contiguous")
)
