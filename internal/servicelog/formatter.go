// Copyright (c) 2021 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package servicelog

import (
	"io"
	"sync"
	"time"
)

const outputTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatWriter prefixes every line written to it with a timestamp and the
// owning service's name before forwarding it to dest.
type FormatWriter struct {
	mu          sync.Mutex
	serviceName string
	dest        io.Writer
	atLineStart bool
}

// NewFormatWriter wraps dest so that every line written through the
// returned writer is prefixed with an RFC3339 timestamp and [serviceName].
func NewFormatWriter(dest io.Writer, serviceName string) *FormatWriter {
	return &FormatWriter{serviceName: serviceName, dest: dest, atLineStart: true}
}

func (f *FormatWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	written := 0
	for len(p) > 0 {
		if f.atLineStart {
			f.atLineStart = false
			prefix := time.Now().UTC().AppendFormat(nil, outputTimeFormat)
			prefix = append(prefix, " ["...)
			prefix = append(prefix, f.serviceName...)
			prefix = append(prefix, "] "...)
			if _, err := f.dest.Write(prefix); err != nil {
				return written, err
			}
		}

		length := len(p)
		for i, b := range p {
			if b == '\n' {
				length = i + 1
				f.atLineStart = true
				break
			}
		}

		n, err := f.dest.Write(p[:length])
		written += n
		p = p[length:]
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
