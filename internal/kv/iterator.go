/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kv

import "context"

// defaultBatchSize is the per-fetch row cap when the caller sets no limit.
const defaultBatchSize = 100

// FetchFunc retrieves up to n entries strictly after (or before, when
// iterating in reverse) the encoded key `after` within the
// implementation's selected range. A nil `after` starts from the range
// boundary. Implementations return entries in yield order.
type FetchFunc func(ctx context.Context, after []byte, n int) ([]Entry, error)

// batchIterator implements Iterator over a FetchFunc, refilling in
// batches and stopping at the configured limit.
type batchIterator struct {
	ctx     context.Context
	fetch   FetchFunc
	limit   int
	yielded int
	batch   []Entry
	pos     int
	after   []byte
	cursor  string
	done    bool
	err     error
	closed  bool
}

// NewBatchIterator builds an Iterator from a range fetch function.
// The cursor, when non-empty, must already be validated by the backend
// via DecodeCursor; iteration resumes strictly past it.
func NewBatchIterator(ctx context.Context, fetch FetchFunc, limit int, resumeAfter []byte) Iterator {
	return &batchIterator{ctx: ctx, fetch: fetch, limit: limit, after: resumeAfter}
}

func (it *batchIterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	if it.limit > 0 && it.yielded >= it.limit {
		return false
	}
	if it.pos >= len(it.batch) {
		if it.done || !it.refill() {
			return false
		}
	}
	e := &it.batch[it.pos]
	enc, err := e.Key.Encode()
	if err != nil {
		it.err = err
		return false
	}
	it.cursor, err = EncodeCursor(e.Key)
	if err != nil {
		it.err = err
		return false
	}
	it.after = enc
	it.pos++
	it.yielded++
	return true
}

func (it *batchIterator) refill() bool {
	n := defaultBatchSize
	if it.limit > 0 {
		if remaining := it.limit - it.yielded; remaining < n {
			n = remaining
		}
	}
	batch, err := it.fetch(it.ctx, it.after, n)
	if err != nil {
		it.err = err
		return false
	}
	if len(batch) == 0 {
		it.done = true
		return false
	}
	if len(batch) < n {
		it.done = true
	}
	it.batch = batch
	it.pos = 0
	return true
}

func (it *batchIterator) Entry() *Entry {
	if it.pos == 0 || it.pos > len(it.batch) {
		return nil
	}
	return &it.batch[it.pos-1]
}

func (it *batchIterator) Cursor() string { return it.cursor }

func (it *batchIterator) Err() error { return it.err }

func (it *batchIterator) Close() error {
	it.closed = true
	it.batch = nil
	return nil
}
