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

package logger

import (
	"io"
	"sync"
)

type logSyncWrapper struct {
	lock   sync.Mutex
	output io.Writer
}

func (l *logSyncWrapper) Write(b []byte) (n int, err error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.output.Write(b)
}
