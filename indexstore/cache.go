// Copyright 2024 The gquery Authors
// This file is part of the gquery library.
//
// The gquery library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The gquery library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the gquery library. If not, see <http://www.gnu.org/licenses/>.

package indexstore

import "github.com/VictoriaMetrics/fastcache"

// cachedStore wraps a Store with a read-through fastcache layer, enabled
// by Config.EnableCaching. Writes invalidate the cached entry rather than
// updating it in place, so a crashed writer can never leave a stale hit
// behind.
type cachedStore struct {
	Store
	cache *fastcache.Cache
}

func newCachedStore(s Store, bytes int) Store {
	if bytes <= 0 {
		bytes = 32 * 1024 * 1024
	}
	return &cachedStore{Store: s, cache: fastcache.New(bytes)}
}

func (c *cachedStore) Get(key []byte) ([]byte, error) {
	if v, ok := c.cache.HasGet(nil, key); ok {
		return v, nil
	}
	v, err := c.Store.Get(key)
	if err == nil {
		c.cache.Set(key, v)
	}
	return v, err
}

func (c *cachedStore) Put(key, value []byte) error {
	c.cache.Del(key)
	return c.Store.Put(key, value)
}

func (c *cachedStore) Delete(key []byte) error {
	c.cache.Del(key)
	return c.Store.Delete(key)
}
