package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicehive/notifyhub/pkg/dispatch"
	"github.com/devicehive/notifyhub/pkg/model"
	"github.com/devicehive/notifyhub/pkg/session"
	"github.com/devicehive/notifyhub/pkg/session/sessiontest"
	"github.com/devicehive/notifyhub/pkg/subscription"
)

func encodeTask(task dispatch.Task) ([]byte, error) {
	return []byte(fmt.Sprintf("%s/%d", task.SubscriptionID, task.Notification.ID)), nil
}

func notificationID(t *testing.T, msg []byte) int64 {
	t.Helper()
	_, id, ok := strings.Cut(string(msg), "/")
	require.True(t, ok)
	n, err := strconv.ParseInt(id, 10, 64)
	require.NoError(t, err)
	return n
}

func TestDispatcherPerSessionFIFO(t *testing.T) {
	reg := session.NewRegistry(session.DefaultConfig(), nil)
	conns := map[string]*sessiontest.Conn{}
	for _, id := range []string{"s1", "s2", "s3"} {
		conns[id] = sessiontest.NewConn()
		reg.Register(id, conns[id])
	}

	d := dispatch.New(dispatch.Config{Workers: 8, BatchSize: 4}, reg, encodeTask, nil)
	d.Start()
	defer d.Stop()

	const perSession = 300
	var wg sync.WaitGroup
	for sid := range conns {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			for i := 1; i <= perSession; i++ {
				assert.NoError(t, d.Submit(dispatch.Task{
					SessionID:      sid,
					SubscriptionID: "sub-" + sid,
					Notification:   &model.Notification{ID: int64(i)},
				}))
			}
		}(sid)
	}
	wg.Wait()
	d.Wait()
	require.NoError(t, reg.Flush(context.Background()))

	for sid, conn := range conns {
		msgs := conn.Messages()
		require.Len(t, msgs, perSession, "session %s", sid)
		for i, m := range msgs {
			assert.Equal(t, int64(i+1), notificationID(t, m), "session %s position %d", sid, i)
		}
	}
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherOrderAcrossProducers(t *testing.T) {
	reg := session.NewRegistry(session.DefaultConfig(), nil)
	conn := sessiontest.NewConn()
	reg.Register("s1", conn)

	d := dispatch.New(dispatch.Config{Workers: 4}, reg, encodeTask, nil)
	d.Start()
	defer d.Stop()

	sub := &subscription.Subscription{ID: "sub-1", SessionID: "s1"}

	// A is submitted strictly before B even though they come from different producers.
	a := &model.Notification{ID: 1, DeviceID: "dev-1"}
	b := &model.Notification{ID: 2, DeviceID: "dev-2"}
	done := make(chan struct{})
	go func() {
		assert.NoError(t, d.Dispatch(a, []*subscription.Subscription{sub}))
		close(done)
	}()
	<-done
	require.NoError(t, d.Dispatch(b, []*subscription.Subscription{sub}))

	msgs, ok := conn.WaitForMessages(2, time.Second)
	require.True(t, ok)
	assert.Equal(t, int64(1), notificationID(t, msgs[0]))
	assert.Equal(t, int64(2), notificationID(t, msgs[1]))
}

func TestDispatcherSlowSessionIsolated(t *testing.T) {
	reg := session.NewRegistry(session.Config{
		SendTimeLimit:   200 * time.Millisecond,
		BufferSizeLimit: 1024,
	}, nil)

	cleaned := make(chan string, 1)
	reg.OnTransportError(func(sessionID string, cause error) {
		cleaned <- sessionID
	})

	slow := sessiontest.NewBlockedConn()
	fast := sessiontest.NewConn()
	reg.Register("slow", slow)
	reg.Register("fast", fast)

	d := dispatch.New(dispatch.Config{Workers: 2}, reg, encodeTask, nil)
	d.Start()
	defer d.Stop()

	subs := []*subscription.Subscription{
		{ID: "sub-slow", SessionID: "slow"},
		{ID: "sub-fast", SessionID: "fast"},
	}

	start := time.Now()
	require.NoError(t, d.Dispatch(&model.Notification{ID: 1}, subs))
	_, ok := fast.WaitForMessages(1, 100*time.Millisecond)
	require.True(t, ok, "fast session delayed by slow session")
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// A second notification also reaches the fast session while the slow one is stuck.
	require.NoError(t, d.Dispatch(&model.Notification{ID: 2}, subs))
	_, ok = fast.WaitForMessages(2, 100*time.Millisecond)
	require.True(t, ok)

	select {
	case sid := <-cleaned:
		assert.Equal(t, "slow", sid)
	case <-time.After(2 * time.Second):
		t.Fatal("slow session was not disconnected")
	}
	assert.True(t, slow.Closed())
	assert.False(t, fast.Closed())
}

func TestDispatcherStuckSessionsDoNotHoldWorkers(t *testing.T) {
	reg := session.NewRegistry(session.Config{
		SendTimeLimit:   5 * time.Second,
		BufferSizeLimit: 1024,
	}, nil)

	const workers = 2
	subs := []*subscription.Subscription{}
	var stuck []*sessiontest.Conn
	for i := range workers + 1 {
		conn := sessiontest.NewBlockedConn()
		stuck = append(stuck, conn)
		sid := fmt.Sprintf("stuck-%d", i)
		reg.Register(sid, conn)
		subs = append(subs, &subscription.Subscription{ID: "sub-" + sid, SessionID: sid})
	}
	fast := sessiontest.NewConn()
	reg.Register("fast", fast)
	subs = append(subs, &subscription.Subscription{ID: "sub-fast", SessionID: "fast"})

	d := dispatch.New(dispatch.Config{Workers: workers}, reg, encodeTask, nil)
	d.Start()
	defer d.Stop()

	start := time.Now()
	for i := 1; i <= 3; i++ {
		require.NoError(t, d.Dispatch(&model.Notification{ID: int64(i)}, subs))
	}
	msgs, ok := fast.WaitForMessages(3, 500*time.Millisecond)
	require.True(t, ok, "fast session got %d of 3 pushes", len(msgs))
	assert.Less(t, time.Since(start), time.Second)

	d.Wait()
	for _, conn := range stuck {
		assert.False(t, conn.Closed())
		conn.Unblock()
	}
}

func TestDispatcherSlowConsumerHitsBufferLimit(t *testing.T) {
	reg := session.NewRegistry(session.Config{
		SendTimeLimit:   5 * time.Second,
		BufferSizeLimit: 1024,
	}, nil)
	failures := make(chan error, 1)
	reg.OnTransportError(func(_ string, cause error) { failures <- cause })

	slow := sessiontest.NewBlockedConn()
	reg.Register("slow", slow)

	encode := func(task dispatch.Task) ([]byte, error) {
		return make([]byte, 100), nil
	}
	d := dispatch.New(dispatch.Config{Workers: 4}, reg, encode, nil)
	d.Start()
	defer d.Stop()

	sub := []*subscription.Subscription{{ID: "sub-slow", SessionID: "slow"}}
	for i := 1; i <= 200; i++ {
		require.NoError(t, d.Dispatch(&model.Notification{ID: int64(i)}, sub))
	}

	select {
	case cause := <-failures:
		assert.ErrorIs(t, cause, session.ErrBufferLimit)
	case <-time.After(time.Second):
		t.Fatal("slow consumer was not disconnected")
	}
	assert.True(t, slow.Closed())

	// The remaining tasks are dropped instead of piling up.
	d.Wait()
	assert.Zero(t, d.Pending())
	_, err := reg.Get("slow")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestDispatcherUndeliverableTriggersCleanup(t *testing.T) {
	reg := session.NewRegistry(session.DefaultConfig(), nil)

	gone := make(chan string, 1)
	d := dispatch.New(dispatch.Config{Workers: 1}, reg, encodeTask, nil)
	d.OnUndeliverable(func(sessionID string) { gone <- sessionID })
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Submit(dispatch.Task{
		SessionID:      "missing",
		SubscriptionID: "sub-1",
		Notification:   &model.Notification{ID: 1},
	}))

	select {
	case sid := <-gone:
		assert.Equal(t, "missing", sid)
	case <-time.After(time.Second):
		t.Fatal("undeliverable hook not called")
	}
}

func TestDispatcherEncoderNotFoundIsUndeliverable(t *testing.T) {
	reg := session.NewRegistry(session.DefaultConfig(), nil)
	conn := sessiontest.NewConn()
	reg.Register("s1", conn)

	encode := func(dispatch.Task) ([]byte, error) {
		return nil, fmt.Errorf("no codec: %w", session.ErrNotFound)
	}
	var gone []string
	d := dispatch.New(dispatch.Config{Workers: 1}, reg, encode, nil)
	d.OnUndeliverable(func(sessionID string) { gone = append(gone, sessionID) })
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Submit(dispatch.Task{SessionID: "s1", Notification: &model.Notification{ID: 1}}))
	d.Wait()

	assert.Equal(t, []string{"s1"}, gone)
	assert.Empty(t, conn.Messages())
}

func TestDispatcherEncodeErrorSkipsTask(t *testing.T) {
	reg := session.NewRegistry(session.DefaultConfig(), nil)
	conn := sessiontest.NewConn()
	reg.Register("s1", conn)

	encode := func(task dispatch.Task) ([]byte, error) {
		if task.Notification.ID == 1 {
			return nil, errors.New("unencodable")
		}
		return encodeTask(task)
	}
	d := dispatch.New(dispatch.Config{Workers: 1}, reg, encode, nil)
	d.Start()
	defer d.Stop()

	for i := 1; i <= 2; i++ {
		require.NoError(t, d.Submit(dispatch.Task{SessionID: "s1", Notification: &model.Notification{ID: int64(i)}}))
	}
	d.Wait()
	require.NoError(t, reg.Flush(context.Background()))

	msgs := conn.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(2), notificationID(t, msgs[0]))
}

func TestDispatcherStopDrainsQueue(t *testing.T) {
	reg := session.NewRegistry(session.DefaultConfig(), nil)
	conn := sessiontest.NewConn()
	reg.Register("s1", conn)

	d := dispatch.New(dispatch.Config{Workers: 1}, reg, encodeTask, nil)
	for i := 1; i <= 10; i++ {
		require.NoError(t, d.Submit(dispatch.Task{SessionID: "s1", Notification: &model.Notification{ID: int64(i)}}))
	}
	assert.Equal(t, 10, d.Pending())

	d.Start()
	d.Stop()
	require.NoError(t, reg.Flush(context.Background()))

	assert.Len(t, conn.Messages(), 10)
	assert.ErrorIs(t, d.Submit(dispatch.Task{SessionID: "s1"}), dispatch.ErrStopped)
}
