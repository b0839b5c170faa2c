package notifier

import (
	"context"
	"fmt"
	"testing"

	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestOutboxBounded(t *testing.T) {
	o := newOutbox(3)

	for i := 0; i < 3; i++ {
		assert.True(t, o.push([]byte(fmt.Sprintf("msg-%d", i))))
	}
	// Full queue refuses without blocking
	assert.False(t, o.push([]byte("overflow")))
	assert.Equal(t, 3, o.Len())

	msgs := o.drain(2)
	assert.Equal(t, [][]byte{[]byte("msg-0"), []byte("msg-1")}, msgs)

	msgs = o.drain(10)
	assert.Equal(t, [][]byte{[]byte("msg-2")}, msgs)
	assert.Empty(t, o.drain(10))
}

func BenchmarkFanout(b *testing.B) {
	// Full queues log every drop
	level := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.Disabled)
	defer zerolog.SetGlobalLevel(level)

	n := NewNotifier(DefaultConfig(), testIdentities)
	defer n.Shutdown(context.Background())

	for i := 0; i < 100; i++ {
		c, _ := n.Register(ProtocolPolling, nil)
		_, _ = n.Authenticate(context.Background(), c, "user1-token")
	}

	event := &proto.Event{Id: "bench", Kind: proto.KindContentUpdate}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = n.Publish(context.Background(), event)
	}
}
