package corewire

import (
	"io"
	"log/slog"
)

// nopLogger discards all output. Used as the fallback whenever a component
// is constructed without an explicit logger, so call sites never need a nil
// check before logging.
var nopLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
