package main

import (
	"context"

	"github.com/google/uuid"

	"github.com/KevoDB/flashstore/pkg/hashlog"
	"github.com/KevoDB/flashstore/pkg/stats"
	"github.com/KevoDB/flashstore/pkg/storage"
	"github.com/KevoDB/flashstore/pkg/text"
)

// Store is what the console drives: the local storage loop or a remote
// server through pkg/client
type Store interface {
	AppendKey(ctx context.Context, key, value string) (hashlog.SuccessCode, error)
	Get(ctx context.Context, key string) (string, error)
	InvalidateKey(ctx context.Context, key string) (hashlog.SuccessCode, error)
	GarbageCollect(ctx context.Context) (uint64, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
}

type localStore struct {
	client *storage.Client
	stats  stats.Provider
}

func withRequestID(ctx context.Context) context.Context {
	return storage.WithRequestID(ctx, uuid.NewString())
}

func (s *localStore) AppendKey(ctx context.Context, key, value string) (hashlog.SuccessCode, error) {
	k, err := text.KeyFromString(key)
	if err != nil {
		return 0, err
	}
	v, err := text.ValueFromString(value)
	if err != nil {
		return 0, err
	}
	return s.client.AppendKey(withRequestID(ctx), k, v)
}

func (s *localStore) Get(ctx context.Context, key string) (string, error) {
	k, err := text.KeyFromString(key)
	if err != nil {
		return "", err
	}
	v, err := s.client.Get(withRequestID(ctx), k)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

func (s *localStore) InvalidateKey(ctx context.Context, key string) (hashlog.SuccessCode, error) {
	k, err := text.KeyFromString(key)
	if err != nil {
		return 0, err
	}
	return s.client.InvalidateKey(withRequestID(ctx), k)
}

func (s *localStore) GarbageCollect(ctx context.Context) (uint64, error) {
	return s.client.GarbageCollect(withRequestID(ctx))
}

func (s *localStore) Stats(context.Context) (map[string]interface{}, error) {
	return s.stats.GetStats(), nil
}
