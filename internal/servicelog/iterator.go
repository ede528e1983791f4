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

import "io"

// Iterator reads a RingBuffer's contents starting from wherever it was
// created (head or tail), optionally waiting for more data as it arrives.
type Iterator interface {
	io.Reader
	io.WriterTo
	Close() error
	// Next blocks until more data is available, the iterator is closed, or
	// cancel is closed, returning false in the latter two cases.
	Next(cancel <-chan struct{}) bool
}

type iterator struct {
	rb         *RingBuffer
	index      RingPos
	closed     bool
	notifyChan chan struct{}
}

var _ Iterator = (*iterator)(nil)

func (it *iterator) Close() error {
	if it.rb == nil {
		return nil
	}
	it.rb.removeIterator(it)
	it.rb = nil
	it.closed = true
	return nil
}

func (it *iterator) Next(cancel <-chan struct{}) bool {
	if it.rb == nil {
		return false
	}
	_, end := it.rb.Positions()
	if it.index < end {
		return true
	}
	select {
	case _, ok := <-it.notifyChan:
		if !ok {
			return false
		}
		_, end := it.rb.Positions()
		return it.index < end
	case <-cancel:
		return false
	}
}

// Read implements io.Reader, consuming available bytes from the iterator's
// current position.
func (it *iterator) Read(p []byte) (int, error) {
	if it.rb == nil {
		return 0, io.EOF
	}
	n, err := it.rb.Copy(p, it.index)
	it.index += RingPos(n)
	if it.index < it.rb.mustReadIndex() {
		it.index = it.rb.mustReadIndex()
	}
	return n, err
}

// WriteTo implements io.WriterTo, copying everything currently available.
func (it *iterator) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 4096)
	var total int64
	for {
		n, err := it.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

func (rb *RingBuffer) mustReadIndex() RingPos {
	start, _ := rb.Positions()
	return start
}
