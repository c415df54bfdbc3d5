package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devicefarm-admin/internal/shared/model"
)

func TestInProcessBusFanout(t *testing.T) {
	bus := NewInProcessBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub1, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	sub2, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "run-2")
	require.NoError(t, err)

	event := &model.CallbackEvent{Type: model.EventTaskStarted, RunID: "run-1", StepID: "s1"}
	event.FillEventID()
	require.NoError(t, bus.Publish(ctx, event))

	for _, sub := range []<-chan *model.CallbackEvent{sub1, sub2} {
		select {
		case got := <-sub:
			require.Equal(t, event.EventID, got.EventID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	// 其他 Run 的订阅者收不到
	select {
	case got := <-other:
		t.Fatalf("unexpected event for run-2: %s", got.EventID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInProcessBusUnsubscribeOnCancel(t *testing.T) {
	bus := NewInProcessBus()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)

	cancel()

	// channel 在取消后关闭
	select {
	case _, ok := <-sub:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// 取消后的发布不再送达任何人
	event := &model.CallbackEvent{Type: model.EventTaskFinished, RunID: "run-1"}
	event.FillEventID()
	require.NoError(t, bus.Publish(context.Background(), event))
}
