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

package auth

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v2"
	"github.com/pkg/errors"

	"github.com/carbonfiles/carbonfiles/pkg/appctx"
	"github.com/carbonfiles/carbonfiles/pkg/dashboard"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/ident"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// keyCacheTTL bounds how long a verified API key skips the digest
// comparison and the last-used stamp.
const keyCacheTTL = 30 * time.Second

type cachedKey struct {
	name   string
	prefix string
}

// Every resolver joins a process-wide list so key revocation can purge
// all caches without the deleting service holding a handle to them.
var (
	resolversMu sync.Mutex
	resolvers   []*Resolver
)

// ForgetPrefix drops the given key prefix from every resolver cache in
// the process. Called on key deletion, it makes revocation effective at
// once instead of after the cache TTL.
func ForgetPrefix(prefix string) {
	resolversMu.Lock()
	defer resolversMu.Unlock()
	for _, r := range resolvers {
		r.ForgetPrefix(prefix)
	}
}

// Resolver turns bearer credentials into identities.
type Resolver struct {
	store    metadata.Store
	dash     *dashboard.Manager
	adminKey string
	keys     *ttlcache.Cache
}

// NewResolver builds a resolver. The dashboard manager may be nil when
// no signing secret is configured; dashboard credentials then never
// validate.
func NewResolver(store metadata.Store, dash *dashboard.Manager, adminKey string) *Resolver {
	keys := ttlcache.NewCache()
	_ = keys.SetTTL(keyCacheTTL)
	keys.SkipTTLExtensionOnHit(true)
	r := &Resolver{
		store:    store,
		dash:     dash,
		adminKey: adminKey,
		keys:     keys,
	}

	resolversMu.Lock()
	resolvers = append(resolvers, r)
	resolversMu.Unlock()

	return r
}

// Resolve maps a credential to an identity. The empty credential and
// every unusable one resolve to public. The only error condition is the
// metadata store being unreachable during an API key lookup.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*Context, error) {
	if credential == "" {
		return Public, nil
	}

	if r.adminKey != "" &&
		subtle.ConstantTimeCompare([]byte(credential), []byte(r.adminKey)) == 1 {
		return &Context{Role: RoleAdmin}, nil
	}

	if prefix, _, ok := ident.ParseAPIKey(credential); ok {
		return r.resolveAPIKey(ctx, credential, prefix)
	}

	if r.dash != nil {
		if grant, err := r.dash.Validate(credential); err == nil && grant.Scope == dashboard.ScopeAdmin {
			return &Context{Role: RoleAdmin}, nil
		}
	}
	return Public, nil
}

func (r *Resolver) resolveAPIKey(ctx context.Context, credential, prefix string) (*Context, error) {
	if v, err := r.keys.Get(credential); err == nil {
		k := v.(cachedKey)
		return &Context{Role: RoleOwner, Owner: k.name, KeyPrefix: k.prefix}, nil
	}

	k, err := r.store.GetAPIKey(ctx, prefix)
	if err != nil {
		var nf errtypes.NotFound
		if errors.As(err, &nf) {
			return Public, nil
		}
		return nil, errors.Wrap(err, "auth: error looking up api key")
	}

	_, secret, _ := ident.ParseAPIKey(credential)
	digest := ident.HashSecret(secret)
	if subtle.ConstantTimeCompare([]byte(digest), []byte(k.HashedSecret)) != 1 {
		return Public, nil
	}

	if err := r.store.TouchAPIKey(ctx, prefix, time.Now().UTC()); err != nil {
		appctx.GetLogger(ctx).Warn().Err(err).Str("prefix", prefix).Msg("error stamping api key usage")
	}

	_ = r.keys.SetWithTTL(credential, cachedKey{name: k.Name, prefix: k.Prefix}, keyCacheTTL)
	return &Context{Role: RoleOwner, Owner: k.Name, KeyPrefix: k.Prefix}, nil
}

// ForgetPrefix drops the cached credentials of one key so a revoked key
// stops resolving at once instead of after the cache TTL.
func (r *Resolver) ForgetPrefix(prefix string) {
	for _, credential := range r.keys.GetKeys() {
		if p, _, ok := ident.ParseAPIKey(credential); ok && p == prefix {
			_ = r.keys.Remove(credential)
		}
	}
}
