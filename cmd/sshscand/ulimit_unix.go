// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

//go:build unix

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// minOpenFiles covers mapped block files plus the database.
const minOpenFiles = 4096

// setUlimits raises the open file limit to its hard maximum.
func setUlimits() error {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return fmt.Errorf("get nofiles: %w", err)
	}
	l := unix.Rlimit{Cur: limit.Max, Max: limit.Max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &l); err != nil {
		return fmt.Errorf("set nofiles: %w", err)
	}
	if limit.Max < minOpenFiles {
		return fmt.Errorf("nofiles limit too low got %v, need %v",
			limit.Max, minOpenFiles)
	}
	log.Infof("%-16v: %-22v", "nofiles", l.Cur)
	return nil
}
