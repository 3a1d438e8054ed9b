// Package nlog holds ncago's package-wide logger.
//
// The default is silent so importing ncago never produces surprise
// output; callers that want visibility call SetLogger with their own
// zerolog.Logger (to stdout, a file, whatever).
package nlog

import (
	"io"

	"github.com/rs/zerolog"
)

// Log is the package-wide logger used by ncago's components. It starts
// silent (writes discarded) and can be replaced with SetLogger.
var Log = zerolog.New(io.Discard)

// SetLogger installs l as the package-wide logger.
func SetLogger(l zerolog.Logger) {
	Log = l
}
