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

// Package sharedconf holds the config values shared by every service,
// decoded once at startup from the [shared] block. Per-service config
// can override any of them; the getters implement the fallback.
package sharedconf

import (
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Shared is the shared configuration block.
type Shared struct {
	AdminKey               string `mapstructure:"admin_key"`
	JWTSecret              string `mapstructure:"jwt_secret"`
	DBPath                 string `mapstructure:"db_path"`
	DataDir                string `mapstructure:"data_dir"`
	MaxUploadSize          int64  `mapstructure:"max_upload_size"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
	CorsOrigins            string `mapstructure:"cors_origins"`
}

var sharedConf = &Shared{}
var once sync.Once

// Init decodes the shared config block. It must be called before any
// service is constructed and is effective only once.
func Init(m map[string]interface{}) error {
	var err error
	once.Do(func() {
		c := &Shared{}
		if err = mapstructure.Decode(m, c); err != nil {
			err = errors.Wrap(err, "sharedconf: error decoding conf")
			return
		}
		if c.DBPath == "" {
			c.DBPath = "/var/lib/carbond/carbond.db"
		}
		if c.DataDir == "" {
			c.DataDir = "/var/lib/carbond/data"
		}
		if c.CleanupIntervalMinutes <= 0 {
			c.CleanupIntervalMinutes = 10
		}
		if c.CorsOrigins == "" {
			c.CorsOrigins = "*"
		}
		sharedConf = c
	})
	return err
}

// GetAdminKey returns the package level admin key if not overwritten.
func GetAdminKey(val string) string {
	if val == "" {
		return sharedConf.AdminKey
	}
	return val
}

// GetJWTSecret returns the package level configured jwt secret if not
// overwritten. When no secret is configured the admin key signs.
func GetJWTSecret(val string) string {
	if val != "" {
		return val
	}
	if sharedConf.JWTSecret != "" {
		return sharedConf.JWTSecret
	}
	return sharedConf.AdminKey
}

// GetDBPath returns the package level metadata db path if not overwritten.
func GetDBPath(val string) string {
	if val == "" {
		return sharedConf.DBPath
	}
	return val
}

// GetDataDir returns the package level blob root if not overwritten.
func GetDataDir(val string) string {
	if val == "" {
		return sharedConf.DataDir
	}
	return val
}

// GetMaxUploadSize returns the package level upload cap if not overwritten.
// Zero means unlimited.
func GetMaxUploadSize(val int64) int64 {
	if val == 0 {
		return sharedConf.MaxUploadSize
	}
	return val
}

// GetCleanupInterval returns the sweeper period in minutes if not overwritten.
func GetCleanupInterval(val int) int {
	if val <= 0 {
		return sharedConf.CleanupIntervalMinutes
	}
	return val
}

// GetCorsOrigins returns the package level origin allowlist if not overwritten.
func GetCorsOrigins(val string) string {
	if val == "" {
		return sharedConf.CorsOrigins
	}
	return val
}
