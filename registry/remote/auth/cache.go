/*
Copyright The ORAS Authors.
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

package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/kleinladungstraeger/klt/errdef"
	"github.com/kleinladungstraeger/klt/internal/syncutil"
)

// Cache caches the auth scheme and tokens for accessing a registry.
// A Cache is scoped to one client instance, never to the process: the
// bearer-token cache must not outlive (or leak across) the build that
// produced the credentials it holds.
type Cache interface {
	GetScheme(ctx context.Context, registry string) (Scheme, error)
	GetToken(ctx context.Context, registry string, scheme Scheme, key string) (string, error)
	Set(ctx context.Context, registry string, scheme Scheme, key string, fetch func(context.Context) (string, error)) (string, error)
}

type basicCache string

type tokenCache sync.Map // map[string]*tokenEntry

type concurrentCache struct {
	status    sync.Map // map[string]*syncutil.Once
	cacheLock sync.RWMutex
	cache     map[string]interface{}
}

// NewCache creates a new, empty Cache.
func NewCache() Cache {
	return &concurrentCache{
		cache: make(map[string]interface{}),
	}
}

func (cc *concurrentCache) GetScheme(ctx context.Context, registry string) (Scheme, error) {
	cc.cacheLock.RLock()
	value, ok := cc.cache[registry]
	cc.cacheLock.RUnlock()
	if !ok {
		return SchemeUnknown, errdef.ErrNotFound
	}
	switch value.(type) {
	case *basicCache:
		return SchemeBasic, nil
	case *tokenCache:
		return SchemeBearer, nil
	}
	return SchemeUnknown, errdef.ErrNotFound
}

func (cc *concurrentCache) GetToken(ctx context.Context, registry string, scheme Scheme, key string) (string, error) {
	cc.cacheLock.RLock()
	value, ok := cc.cache[registry]
	cc.cacheLock.RUnlock()
	if !ok {
		return "", errdef.ErrNotFound
	}
	switch c := value.(type) {
	case *basicCache:
		if scheme != SchemeBasic {
			return "", errdef.ErrNotFound
		}
		return string(*c), nil
	case *tokenCache:
		if scheme != SchemeBearer {
			return "", errdef.ErrNotFound
		}
		entry, ok := (*sync.Map)(c).Load(key)
		if !ok {
			return "", errdef.ErrNotFound
		}
		te := entry.(*tokenEntry)
		if te.isExpired() {
			(*sync.Map)(c).Delete(key)
			return "", errdef.ErrNotFound
		}
		return te.token, nil
	}
	return "", errdef.ErrNotFound
}

func (cc *concurrentCache) Set(ctx context.Context, registry string, scheme Scheme, key string, fetch func(context.Context) (string, error)) (string, error) {
	switch scheme {
	case SchemeBasic, SchemeBearer:
	default:
		return "", fmt.Errorf("unknown scheme: %s", scheme)
	}

	statusKey := scheme.String() + " " + key
	statusValue, _ := cc.status.LoadOrStore(statusKey, syncutil.NewOnce())
	aggregatedFetch := statusValue.(*syncutil.Once)
	fetchedFirst, result, err := aggregatedFetch.Do(ctx, func() (interface{}, error) {
		return fetch(ctx)
	})
	if fetchedFirst {
		cc.status.Delete(statusKey)
	}
	if err != nil {
		return "", err
	}
	token := result.(string)
	if !fetchedFirst {
		return token, nil
	}

	switch scheme {
	case SchemeBasic:
		cc.cacheLock.Lock()
		b := basicCache(token)
		cc.cache[registry] = &b
		cc.cacheLock.Unlock()
	case SchemeBearer:
		cc.cacheLock.Lock()
		scopes, ok := cc.cache[registry].(*tokenCache)
		if !ok {
			scopes = &tokenCache{}
			cc.cache[registry] = scopes
		}
		cc.cacheLock.Unlock()
		(*sync.Map)(scopes).Store(key, newTokenEntry(token))
	}

	return token, nil
}

type noCache struct{}

func (noCache) GetScheme(ctx context.Context, registry string) (Scheme, error) {
	return SchemeUnknown, errdef.ErrNotFound
}

func (noCache) GetToken(ctx context.Context, registry string, scheme Scheme, key string) (string, error) {
	return "", errdef.ErrNotFound
}

func (noCache) Set(ctx context.Context, registry string, scheme Scheme, key string, fetch func(context.Context) (string, error)) (string, error) {
	return fetch(ctx)
}
