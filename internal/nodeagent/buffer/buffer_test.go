package buffer

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "callback-buffer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnqueueIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "ev-1", []byte(`{"type":"task_started"}`)))
	// 同一 event_id 重复入队被忽略
	require.NoError(t, store.Enqueue(ctx, "ev-1", []byte(`{"type":"other"}`)))

	entries, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte(`{"type":"task_started"}`), entries[0].Body)

	depth, err := store.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestAckRemovesEntry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "ev-1", []byte("a")))
	require.NoError(t, store.Enqueue(ctx, "ev-2", []byte("b")))
	require.NoError(t, store.Ack(ctx, "ev-1"))

	entries, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ev-2", entries[0].EventID)
}

func TestPendingKeepsEnqueueOrderWithinSameSecond(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// event_id 是哈希，字典序和入队顺序无关；同一次尝试的三条事件
	// 在同一秒内入队，按 created_at 或 event_id 排序都会乱序
	ids := []string{"ff-task-started", "aa-run-step-update", "00-task-finished"}
	for _, id := range ids {
		require.NoError(t, store.Enqueue(ctx, id, []byte(id)))
	}

	entries, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, id := range ids {
		require.Equal(t, id, entries[i].EventID)
	}
}

func TestMarkFailureCountsAttempts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "ev-1", []byte("a")))
	require.NoError(t, store.MarkFailure(ctx, "ev-1", "connection refused"))
	require.NoError(t, store.MarkFailure(ctx, "ev-1", "connection refused"))

	entries, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 2, entries[0].Attempts)
	require.Equal(t, "connection refused", entries[0].LastError)
}

// fakePoster 按事件 ID 脚本化响应
type fakePoster struct {
	responses map[string][]int // event_id -> 依次返回的状态码
	errs      map[string]int   // event_id -> 先返回错误的次数
	delivered []string
}

func (p *fakePoster) PostCallback(ctx context.Context, body []byte) (int, error) {
	id := string(body)
	if n := p.errs[id]; n > 0 {
		p.errs[id] = n - 1
		return 0, errors.New("network down")
	}
	p.delivered = append(p.delivered, id)
	if codes := p.responses[id]; len(codes) > 0 {
		code := codes[0]
		p.responses[id] = codes[1:]
		return code, nil
	}
	return http.StatusOK, nil
}

func TestSenderFlushAcksDelivered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "ev-1", []byte("ev-1")))
	require.NoError(t, store.Enqueue(ctx, "ev-2", []byte("ev-2")))

	poster := &fakePoster{}
	sender := NewSender(store, poster, 0)
	require.True(t, sender.Flush(ctx))

	depth, err := store.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
	require.Equal(t, []string{"ev-1", "ev-2"}, poster.delivered)
}

func TestSenderRetriesUntilAck(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "ev-1", []byte("ev-1")))

	poster := &fakePoster{errs: map[string]int{"ev-1": 2}}
	sender := NewSender(store, poster, 0)

	// 前两轮网络失败，事件保留在缓冲中
	require.False(t, sender.Flush(ctx))
	require.False(t, sender.Flush(ctx))
	depth, err := store.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	// 第三轮投递成功
	require.True(t, sender.Flush(ctx))
	depth, err = store.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestSenderDropsRejectedEvent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "ev-1", []byte("ev-1")))

	// 服务端 409：租约已不被认可，重试无意义
	poster := &fakePoster{responses: map[string][]int{"ev-1": {http.StatusConflict}}}
	sender := NewSender(store, poster, 0)
	require.True(t, sender.Flush(ctx))

	depth, err := store.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}
