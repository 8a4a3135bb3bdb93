// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package pool shares one metadata store per database path across the
// process. The API surface and the auth middleware must hit the same
// SQLite handle so WAL writers do not pile up behind each other.
package pool

import (
	"sync"

	"github.com/carbonfiles/carbonfiles/pkg/metadata"
	"github.com/carbonfiles/carbonfiles/pkg/metadata/sqlite"
)

type provider struct {
	m      sync.Mutex
	stores map[string]metadata.Store
}

var stores = provider{
	stores: make(map[string]metadata.Store),
}

// GetStore returns the shared store for the given database path,
// opening it on first use.
func GetStore(dbPath string) (metadata.Store, error) {
	stores.m.Lock()
	defer stores.m.Unlock()

	if s, ok := stores.stores[dbPath]; ok {
		return s, nil
	}

	s, err := sqlite.New(dbPath)
	if err != nil {
		return nil, err
	}
	stores.stores[dbPath] = s
	return s, nil
}
