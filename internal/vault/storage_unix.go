// Copyright (C) 2019 Nicola Murino
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

//go:build !windows

package vault

import (
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an OS advisory lock on a sibling lock file. It is the
// cross-process serialization point shared with the desktop editor
type fileLock struct {
	file *os.File
}

// acquireFileLock opens the lock file and blocks until the advisory lock
// is granted, exclusive for writers, shared for readers
func acquireFileLock(path string, exclusive bool) (*fileLock, error) {
	if err := os.MkdirAll(dirOf(path), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, err
	}
	return &fileLock{file: f}, nil
}

func (l *fileLock) release() {
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN) //nolint:errcheck
	l.file.Close()
}
