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

// Package auth resolves request credentials into one of three roles:
// admin, owner or public. Resolution never rejects a request by itself,
// an unusable credential simply degrades to public and the endpoint's
// authorization check decides what that means.
package auth

import (
	"context"

	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// Role is the access level a credential resolves to.
type Role int

const (
	// RolePublic is the anonymous fallback.
	RolePublic Role = iota
	// RoleOwner is a valid API key.
	RoleOwner
	// RoleAdmin is the admin key or a valid dashboard credential.
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return "public"
	}
}

// Context is the resolved identity of a request.
type Context struct {
	Role Role
	// Owner is the API key name, set for RoleOwner.
	Owner string
	// KeyPrefix is the public key prefix, set for RoleOwner.
	KeyPrefix string
}

// Public is the identity of an unauthenticated request.
var Public = &Context{Role: RolePublic}

// Admin reports whether the request carries admin rights.
func (c *Context) Admin() bool {
	return c.Role == RoleAdmin
}

// CanManage reports whether the request may mutate the given bucket.
// Admins manage everything, owners the buckets carrying their owner
// name.
func (c *Context) CanManage(b *metadata.Bucket) bool {
	if c.Role == RoleAdmin {
		return true
	}
	return c.Role == RoleOwner && c.Owner != "" && c.Owner == b.Owner
}

type key int

const authKey key = iota

// ContextSet stores the resolved identity in the context.
func ContextSet(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, authKey, c)
}

// ContextGet returns the identity if set in the given context.
func ContextGet(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(authKey).(*Context)
	return c, ok
}

// ContextMustGet panics if no identity is in the context. Handlers
// behind the auth interceptor can rely on it being there.
func ContextMustGet(ctx context.Context) *Context {
	c, ok := ContextGet(ctx)
	if !ok {
		panic("auth context not found in context")
	}
	return c
}
