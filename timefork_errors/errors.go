// Provides common timefork error definitions.
package timefork_errors

import "errors"

var (
	ErrBadDocument     = errors.New("timefork: malformed index document")
	ErrBadIndexer      = errors.New("timefork: malformed indexer definition")
	ErrBadSearchSpec   = errors.New("timefork: malformed search specification")
	ErrCorruptDocument = errors.New("timefork: corrupt index store record")
	ErrStorage         = errors.New("timefork: index store unavailable")

	ErrBranchUnknown   = errors.New("timefork: unknown branch")
	ErrBranchExists    = errors.New("timefork: branch already exists")
	ErrIndexDirty      = errors.New("timefork: index is dirty, rebuild required")
	ErrDocumentExists  = errors.New("timefork: conflicting index document")
	ErrDocumentUnknown = errors.New("timefork: unknown index document")
	ErrClosed          = errors.New("timefork: no index store open")
)
