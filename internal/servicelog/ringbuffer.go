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

// Package servicelog holds each supervised service's captured stdout/stderr
// in a fixed-size ring buffer, with head/tail iterators for streaming it
// out (the supervisor copies a service's output to its live destination
// through a head iterator).
package servicelog

import (
	"errors"
	"io"
	"sync"
)

var ErrRange = errors.New("out of range")

// RingPos addresses a byte offset into the logical (ever-growing) stream
// backed by the ring buffer.
type RingPos int64

// RingBuffer is an io.Writer that stores the tail of everything written to
// it in a fixed-size byte buffer. Old bytes are discarded as new ones
// arrive once the buffer is full.
type RingBuffer struct {
	rwlock      sync.RWMutex
	readIndex   RingPos
	writeIndex  RingPos
	writeClosed bool
	data        []byte

	iteratorMutex sync.RWMutex
	iteratorList  []*iterator
}

var _ io.WriteCloser = (*RingBuffer)(nil)

// NewRingBuffer creates a RingBuffer backed by a buffer of the given size.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{data: make([]byte, size)}
}

// Close closes the buffer to further writes; readers may continue draining
// what's left.
func (rb *RingBuffer) Close() error {
	rb.rwlock.Lock()
	defer rb.rwlock.Unlock()
	if rb.writeClosed {
		return nil
	}
	rb.writeClosed = true
	rb.signalIteratorsLocked()
	return nil
}

func (rb *RingBuffer) Closed() bool {
	rb.rwlock.RLock()
	defer rb.rwlock.RUnlock()
	return rb.writeClosed
}

// Write appends p, discarding the oldest buffered bytes if p doesn't fit.
// A p longer than the whole buffer leaves only its last bytes buffered.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	rb.rwlock.Lock()
	if rb.writeClosed {
		rb.rwlock.Unlock()
		return 0, io.ErrClosedPipe
	}

	writeLength := len(p)
	if writeLength > len(rb.data) {
		writeLength = len(rb.data)
	}
	if available := rb.available(); available < writeLength {
		rb.readIndex += RingPos(writeLength - available)
	}

	start := rb.writeIndex
	end := start + RingPos(writeLength)
	low := int(start % RingPos(len(rb.data)))
	high := int(end % RingPos(len(rb.data)))
	if high == 0 {
		high = len(rb.data)
	}
	src := p[len(p)-writeLength:]
	if low < high {
		copy(rb.data[low:high], src)
	} else {
		n := copy(rb.data[low:], src)
		copy(rb.data[:high], src[n:])
	}
	rb.writeIndex += RingPos(writeLength)
	rb.rwlock.Unlock()

	rb.signalIterators()
	return len(p), nil
}

func (rb *RingBuffer) available() int {
	return len(rb.data) - int(rb.writeIndex-rb.readIndex)
}

// Positions returns the oldest and newest readable offsets.
func (rb *RingBuffer) Positions() (start, end RingPos) {
	rb.rwlock.RLock()
	defer rb.rwlock.RUnlock()
	return rb.readIndex, rb.writeIndex
}

// Copy reads the range [start, writeIndex) into dest, returning how many
// bytes were copied. Returns io.EOF if the buffer is closed and start is
// already at the write cursor.
func (rb *RingBuffer) Copy(dest []byte, start RingPos) (int, error) {
	rb.rwlock.RLock()
	defer rb.rwlock.RUnlock()
	if start < rb.readIndex || start > rb.writeIndex {
		return 0, ErrRange
	}
	if rb.writeClosed && start == rb.writeIndex {
		return 0, io.EOF
	}
	n := int(rb.writeIndex - start)
	if n > len(dest) {
		n = len(dest)
	}
	if n == 0 {
		return 0, nil
	}
	low := int(start % RingPos(len(rb.data)))
	for i := 0; i < n; i++ {
		dest[i] = rb.data[(low+i)%len(rb.data)]
	}
	if rb.writeClosed && start+RingPos(n) == rb.writeIndex {
		return n, io.EOF
	}
	return n, nil
}

// TailIterator returns an iterator positioned at the current write cursor
// (only sees data written after this call).
func (rb *RingBuffer) TailIterator() Iterator {
	_, end := rb.Positions()
	return rb.newIterator(end)
}

// HeadIterator returns an iterator positioned at the current read cursor
// (sees everything still buffered).
func (rb *RingBuffer) HeadIterator() Iterator {
	start, _ := rb.Positions()
	return rb.newIterator(start)
}

func (rb *RingBuffer) newIterator(at RingPos) *iterator {
	rb.iteratorMutex.Lock()
	defer rb.iteratorMutex.Unlock()
	it := &iterator{rb: rb, index: at, notifyChan: make(chan struct{}, 1)}
	rb.iteratorList = append(rb.iteratorList, it)
	return it
}

func (rb *RingBuffer) removeIterator(it *iterator) {
	rb.iteratorMutex.Lock()
	defer rb.iteratorMutex.Unlock()
	for i, x := range rb.iteratorList {
		if x == it {
			rb.iteratorList = append(rb.iteratorList[:i], rb.iteratorList[i+1:]...)
			return
		}
	}
}

func (rb *RingBuffer) signalIterators() {
	rb.iteratorMutex.RLock()
	defer rb.iteratorMutex.RUnlock()
	for _, it := range rb.iteratorList {
		select {
		case it.notifyChan <- struct{}{}:
		default:
		}
	}
}

func (rb *RingBuffer) signalIteratorsLocked() {
	rb.iteratorMutex.RLock()
	defer rb.iteratorMutex.RUnlock()
	for _, it := range rb.iteratorList {
		close(it.notifyChan)
	}
}
