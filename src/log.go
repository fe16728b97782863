package patty

/*------------------------------------------------------------------
 *
 * Purpose:	Daemon-wide structured logging: one leveled, fielded
 *		log sink shared by the server, client library, and CLIs.
 *
 *---------------------------------------------------------------*/

import (
	"os"

	"github.com/charmbracelet/log"
)

// Log is the package-wide logger. Callers may replace it (e.g. to redirect
// to a file, or raise the level) before starting the server.
var Log = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	Prefix:          "patty",
})

// SetLogLevel parses a level name ("debug", "info", "warn", "error") and
// applies it to Log, defaulting to info on an unrecognized name.
func SetLogLevel(name string) {
	lvl, err := log.ParseLevel(name)
	if err != nil {
		lvl = log.InfoLevel
	}

	Log.SetLevel(lvl)
}
