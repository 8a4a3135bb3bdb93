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

// Package filelocks serializes access to blobs across processes through
// flock sibling files. Each lock path must map to exactly one Flock
// struct because the struct carries the mutex gofrs/flock synchronizes
// on, so the structs are kept in a process-local registry.
package filelocks

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

var (
	mu    sync.Mutex
	locks = make(map[string]*flock.Flock)

	maxLockCycles           = 10
	lockCycleDurationFactor = 3
)

// SetMaxLockCycles tunes how often acquiring retries before giving up.
func SetMaxLockCycles(n int) {
	mu.Lock()
	defer mu.Unlock()
	maxLockCycles = n
}

// SetLockCycleDurationFactor tunes the backoff between retries, in
// milliseconds per elapsed cycle.
func SetLockCycleDurationFactor(f int) {
	mu.Lock()
	defer mu.Unlock()
	lockCycleDurationFactor = f
}

func lockCycles() (int, int) {
	mu.Lock()
	defer mu.Unlock()
	return maxLockCycles, lockCycleDurationFactor
}

// getMutexedFlock returns the Flock for the given path, or nil while
// another routine of this process still holds one for it.
func getMutexedFlock(file string) *flock.Flock {
	mu.Lock()
	defer mu.Unlock()

	if _, ok := locks[file]; ok {
		return nil
	}
	locks[file] = flock.New(file)
	return locks[file]
}

func releaseMutexedFlock(file string) {
	if len(file) == 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	delete(locks, file)
}

// FlockFile returns the lock file path for a given file name. It
// returns an empty string if the input is empty.
func FlockFile(file string) string {
	if len(file) == 0 {
		return ""
	}
	return file + ".flock"
}

func acquireLock(file string, write bool) (*flock.Flock, error) {
	n := FlockFile(file)
	if len(n) == 0 {
		return nil, errors.New("lock path is empty")
	}
	cycles, factor := lockCycles()

	var fl *flock.Flock
	for i := 1; i <= cycles; i++ {
		if fl = getMutexedFlock(n); fl != nil {
			break
		}
		time.Sleep(time.Duration(i*factor) * time.Millisecond)
	}
	if fl == nil {
		return nil, errors.New("unable to acquire a lock on the file")
	}

	var (
		ok  bool
		err error
	)
	for i := 1; i <= cycles; i++ {
		if write {
			ok, err = fl.TryLock()
		} else {
			ok, err = fl.TryRLock()
		}
		if ok {
			break
		}
		time.Sleep(time.Duration(i*factor) * time.Millisecond)
	}
	if err != nil {
		releaseMutexedFlock(n)
		return nil, err
	}
	if !ok {
		releaseMutexedFlock(n)
		return nil, errors.New("could not acquire lock after wait")
	}
	return fl, nil
}

// AcquireReadLock takes a shared lock on the file's flock sibling.
func AcquireReadLock(file string) (*flock.Flock, error) {
	return acquireLock(file, false)
}

// AcquireWriteLock takes an exclusive lock on the file's flock sibling.
func AcquireWriteLock(file string) (*flock.Flock, error) {
	return acquireLock(file, true)
}

// ReleaseLock unlocks and removes a lock taken by AcquireReadLock or
// AcquireWriteLock. The flock file is only removed after a successful
// unlock, otherwise removal could drop a lock still held elsewhere.
func ReleaseLock(lock *flock.Flock) error {
	n := lock.Path()
	err := lock.Unlock()
	if err == nil {
		err = os.Remove(n)
	}
	releaseMutexedFlock(n)
	return err
}
