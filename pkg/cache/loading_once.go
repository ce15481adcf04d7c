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

package cache

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// LoaderFunc computes the value of a key on a cache miss.
type LoaderFunc[V any] func() (V, error)

// LoadingOnceCache is an LRUCache that allows only one loading operation
// at a time for a given key.
//
// On a cache miss, it will use a singleflight.Group to ensure only one
// concurrent call to the loader is made for a given key. This can be used
// to prevent redundant loading of data on cache misses when multiple
// concurrent requests are made for the same key. Failed loads are not
// cached.
type LoadingOnceCache[K comparable, V any] struct {
	cache *LRUCache[K, V]
	sfg   *singleflight.Group
}

func NewLoadingOnceCache[K comparable, V any](reg prometheus.Registerer, maxEntries int) *LoadingOnceCache[K, V] {
	return &LoadingOnceCache[K, V]{
		cache: NewLRUCache[K, V](reg, maxEntries),
		sfg:   &singleflight.Group{},
	}
}

// Get returns the cached value for key, loading it with loader if it is
// not present. shared reports whether the value was loaded by a
// concurrent call.
func (c *LoadingOnceCache[K, V]) Get(key K, loader LoaderFunc[V]) (value V, shared bool, err error) { //nolint:nonamedreturns
	if v, ok := c.cache.Get(key); ok {
		return v, false, nil
	}

	// Singleflight key must be string.
	sfKey := singleflightKey(key)
	// singleflight.Group memoizes the return value of the first call and returns it.
	// The 3rd return value is true if multiple calls happens simultaneously,
	// and the caller received the value from the first call.
	val, err, shared := c.sfg.Do(sfKey, func() (interface{}, error) {
		// Another load may have finished between the miss and now.
		if v, ok := c.cache.Peek(key); ok {
			return v, nil
		}
		v, err := loader()
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, shared, err
	}
	return val.(V), shared, nil //nolint:forcetypeassert
}

// Peek returns the cached value for key, if any, without loading it.
func (c *LoadingOnceCache[K, V]) Peek(key K) (V, bool) {
	return c.cache.Peek(key)
}

// Remove removes key from the cache.
func (c *LoadingOnceCache[K, V]) Remove(key K) {
	c.cache.Remove(key)
}

// Len returns the number of cached entries.
func (c *LoadingOnceCache[K, V]) Len() int {
	return c.cache.Len()
}

func (c *LoadingOnceCache[K, V]) Close() error {
	return c.cache.Close()
}

func singleflightKey[K comparable](k K) string {
	switch v := any(k).(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", k)
	}
}
