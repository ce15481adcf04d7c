// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package lru

// entry is an element of lruList.
type entry[K comparable, V any] struct {
	next, prev *entry[K, V]
	key        K
	value      V
}

// lruList is a doubly linked list with a sentinel root, most recently
// used first.
type lruList[K comparable, V any] struct {
	root entry[K, V]
	len  int
}

func newList[K comparable, V any]() *lruList[K, V] {
	l := &lruList[K, V]{}
	l.init()
	return l
}

func (l *lruList[K, V]) init() {
	l.root.next = &l.root
	l.root.prev = &l.root
	l.len = 0
}

func (l *lruList[K, V]) length() int {
	return l.len
}

// back returns the least recently used entry, or nil.
func (l *lruList[K, V]) back() *entry[K, V] {
	if l.len == 0 {
		return nil
	}
	return l.root.prev
}

func (l *lruList[K, V]) pushFront(key K, value V) *entry[K, V] {
	e := &entry[K, V]{key: key, value: value}
	l.insertAfter(e, &l.root)
	return e
}

func (l *lruList[K, V]) moveToFront(e *entry[K, V]) {
	if l.root.next == e {
		return
	}
	l.unlink(e)
	l.insertAfter(e, &l.root)
}

func (l *lruList[K, V]) remove(e *entry[K, V]) {
	l.unlink(e)
	e.next, e.prev = nil, nil
}

func (l *lruList[K, V]) insertAfter(e, at *entry[K, V]) {
	e.prev = at
	e.next = at.next
	at.next.prev = e
	at.next = e
	l.len++
}

func (l *lruList[K, V]) unlink(e *entry[K, V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	l.len--
}
