package main

import (
	"golang.org/x/sys/unix"

	"github.com/R3E-Network/noded/infrastructure/logging"
)

// applySoftUlimit raises RLIMIT_NOFILE's soft limit to the requested value
// (spec.md §6's `--soft-ulimit`), up to whatever the kernel's current hard
// limit allows. A zero limit means "inherit", matching the flag's
// documented default.
func applySoftUlimit(limit uint64, log *logging.Logger) {
	if limit == 0 {
		return
	}

	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		log.WithError(err).Warn("failed to read current RLIMIT_NOFILE")
		return
	}

	want := limit
	if want > rlimit.Max {
		want = rlimit.Max
	}
	if want <= rlimit.Cur {
		return
	}

	rlimit.Cur = want
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		log.WithError(err).Warn("failed to raise RLIMIT_NOFILE")
	}
}
