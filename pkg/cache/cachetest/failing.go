package cachetest

import (
	"context"
	"errors"
	"time"

	"github.com/chatgate/chatgate/pkg/cache"
)

// ErrBackendDown is the cause carried by every Failing error.
var ErrBackendDown = errors.New("backend down")

// Failing is a cache.Store whose every operation fails as unavailable.
type Failing struct{}

func (Failing) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, cache.Ensure("get", ErrBackendDown)
}

func (Failing) Set(context.Context, string, []byte, time.Duration) error {
	return cache.Ensure("set", ErrBackendDown)
}

func (Failing) Delete(context.Context, string) error {
	return cache.Ensure("delete", ErrBackendDown)
}

func (Failing) DeletePrefix(context.Context, string) (int64, error) {
	return 0, cache.Ensure("delete prefix", ErrBackendDown)
}

func (Failing) Close() error { return nil }
