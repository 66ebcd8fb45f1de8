package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// progress is the user-facing progress logger for CLI operations that
// take more than an instant (base-disk installs, cache lookups, domain
// creation) — separate from the package-scoped capnslog loggers under
// internal/, which are for diagnosing the core rather than narrating
// it to an interactive user. Output goes to stdout, not logrus's
// stderr default: these are the run's actual result lines (e.g.
// "Reusing existing cached disk image"), not diagnostics, and callers
// scripting against this CLI expect to find them there.
var progress = log.New()

func init() {
	progress.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	progress.SetOutput(os.Stdout)
}

func setVerbose(verbose bool) {
	if verbose {
		progress.SetLevel(log.DebugLevel)
	} else {
		progress.SetLevel(log.InfoLevel)
	}
}
