package storage

import (
	"context"
	"testing"

	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStorage_Memory(t *testing.T) {
	s, err := NewStorage(Config{Type: MemoryStorage})
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Record(context.Background(), &proto.Event{Id: "1", Kind: proto.KindNewOrder}))

	events, _, err := s.ListEvents(context.Background(), 10, "")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestNewStorage_Badger(t *testing.T) {
	s, err := NewStorage(Config{Type: BadgerStorage, DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestNewStorage_None(t *testing.T) {
	s, err := NewStorage(Config{Type: NoStorage})
	require.NoError(t, err)

	require.NoError(t, s.Record(context.Background(), &proto.Event{Id: "1"}))
	events, cursor, err := s.ListEvents(context.Background(), 10, "")
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, cursor)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Start(ctx))
}

func TestNewStorage_Unknown(t *testing.T) {
	_, err := NewStorage(Config{Type: "redis"})
	assert.Error(t, err)
}
