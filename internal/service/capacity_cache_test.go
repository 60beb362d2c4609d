package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capacityLoaderStub struct {
	loads int
	caps  map[string]int
	codes map[string]string
	err   error
}

func (s *capacityLoaderStub) LoadAll(ctx context.Context) (map[string]int, error) {
	s.loads++
	if s.err != nil {
		return nil, s.err
	}
	return s.caps, nil
}

func (s *capacityLoaderStub) LoadBuildingCodes(ctx context.Context) (map[string]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.codes, nil
}

func TestCapacityCacheServesSnapshotWithinTTL(t *testing.T) {
	source := &capacityLoaderStub{
		caps:  map[string]int{"CLGH 102": 150},
		codes: map[string]string{"Clough Commons": "CLGH"},
	}
	cache := NewCapacityCache(source, nil, time.Hour)

	caps, err := cache.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 150, caps["CLGH 102"])

	codes, err := cache.LoadBuildingCodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CLGH", codes["Clough Commons"])

	_, err = cache.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, source.loads)
}

func TestCapacityCacheReloadsAfterTTL(t *testing.T) {
	source := &capacityLoaderStub{caps: map[string]int{}, codes: map[string]string{}}
	cache := NewCapacityCache(source, nil, time.Hour)

	_, err := cache.LoadAll(context.Background())
	require.NoError(t, err)
	cache.loadedAt = time.Now().Add(-2 * time.Hour)

	_, err = cache.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, source.loads)
}

func TestCapacityCachePropagatesLoadErrors(t *testing.T) {
	source := &capacityLoaderStub{err: errors.New("connection refused")}
	cache := NewCapacityCache(source, nil, time.Hour)

	_, err := cache.LoadAll(context.Background())
	require.Error(t, err)
}
