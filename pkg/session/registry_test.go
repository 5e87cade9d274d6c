package session_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicehive/notifyhub/pkg/session"
	"github.com/devicehive/notifyhub/pkg/session/sessiontest"
)

type failure struct {
	sessionID string
	cause     error
}

func newRegistry(t *testing.T, cfg session.Config) (*session.Registry, chan failure) {
	t.Helper()
	failures := make(chan failure, 4)
	r := session.NewRegistry(cfg, nil)
	r.OnTransportError(func(sessionID string, cause error) {
		failures <- failure{sessionID, cause}
	})
	return r, failures
}

func TestRegistryDefaults(t *testing.T) {
	r := session.NewRegistry(session.Config{}, nil)
	assert.Equal(t, 10*time.Second, r.Config().SendTimeLimit)
	assert.Equal(t, 512*1024, r.Config().BufferSizeLimit)
}

func TestRegistryGetAndRemove(t *testing.T) {
	r, _ := newRegistry(t, session.DefaultConfig())
	conn := sessiontest.NewConn()

	_, err := r.Get("s1")
	assert.ErrorIs(t, err, session.ErrNotFound)

	h := r.Register("s1", conn)
	got, err := r.Get("s1")
	require.NoError(t, err)
	assert.Same(t, h, got)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Remove("s1"))
	assert.False(t, r.Remove("s1"))
	assert.True(t, conn.Closed())
	assert.ErrorIs(t, r.Send("s1", []byte("x")), session.ErrNotFound)
}

func TestRegistryRegisterReplacesHandle(t *testing.T) {
	r, _ := newRegistry(t, session.DefaultConfig())
	first := sessiontest.NewConn()
	second := sessiontest.NewConn()

	old := r.Register("s1", first)
	r.Register("s1", second)

	assert.True(t, old.Closed())
	assert.True(t, first.Closed())
	require.NoError(t, r.Send("s1", []byte("hello")))
	_, ok := second.WaitForMessages(1, time.Second)
	assert.True(t, ok)
	assert.Empty(t, first.Messages())
}

func TestRegistrySendPreservesOrder(t *testing.T) {
	r, _ := newRegistry(t, session.DefaultConfig())
	conn := sessiontest.NewConn()
	r.Register("s1", conn)

	for i := range 100 {
		require.NoError(t, r.Send("s1", []byte(fmt.Sprintf("msg-%03d", i))))
	}

	require.NoError(t, r.Flush(context.Background()))
	msgs := conn.Messages()
	require.Len(t, msgs, 100)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("msg-%03d", i), string(m))
	}
}

func TestRegistryConcurrentSendersKeepPerSenderOrder(t *testing.T) {
	r, _ := newRegistry(t, session.DefaultConfig())
	conn := sessiontest.NewConn()
	r.Register("s1", conn)

	const senders = 4
	const perSender = 200
	var wg sync.WaitGroup
	for s := range senders {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := range perSender {
				assert.NoError(t, r.Send("s1", []byte(fmt.Sprintf("%d:%04d", s, i))))
			}
		}(s)
	}
	wg.Wait()

	msgs, ok := conn.WaitForMessages(senders*perSender, time.Second)
	require.True(t, ok, "got %d messages", len(msgs))

	last := make(map[string]string)
	for _, m := range msgs {
		sender, seq, ok := strings.Cut(string(m), ":")
		require.True(t, ok)
		assert.Greater(t, seq, last[sender], "sender %s out of order", sender)
		last[sender] = seq
	}
}

func TestHandleBufferLimitClosesConnection(t *testing.T) {
	r, failures := newRegistry(t, session.Config{
		SendTimeLimit:   time.Minute,
		BufferSizeLimit: 100,
	})
	conn := sessiontest.NewBlockedConn()
	h := r.Register("slow", conn)

	// First send holds the connection.
	require.NoError(t, h.Send(make([]byte, 10)))
	require.Eventually(t, func() bool { return h.BufferedBytes() == 10 }, time.Second, time.Millisecond)

	var err error
	for i := 0; i < 20 && err == nil; i++ {
		err = r.Send("slow", make([]byte, 20))
	}
	assert.ErrorIs(t, err, session.ErrBufferLimit)
	assert.ErrorIs(t, err, session.ErrTransportFailure)
	assert.True(t, conn.Closed())

	select {
	case f := <-failures:
		assert.Equal(t, "slow", f.sessionID)
		assert.ErrorIs(t, f.cause, session.ErrBufferLimit)
	case <-time.After(time.Second):
		t.Fatal("transport error hook not called")
	}

	assert.Equal(t, 0, r.Len())
	assert.ErrorIs(t, r.Send("slow", []byte("x")), session.ErrNotFound)
}

func TestHandleSendTimeLimitClosesConnection(t *testing.T) {
	r, failures := newRegistry(t, session.Config{
		SendTimeLimit:   20 * time.Millisecond,
		BufferSizeLimit: 1024,
	})
	conn := sessiontest.NewBlockedConn()
	r.Register("stuck", conn)

	require.NoError(t, r.Send("stuck", []byte("hello")))

	select {
	case f := <-failures:
		assert.Equal(t, "stuck", f.sessionID)
		assert.ErrorIs(t, f.cause, session.ErrSendTimeLimit)
		assert.ErrorIs(t, f.cause, session.ErrTransportFailure)
	case <-time.After(time.Second):
		t.Fatal("transport error hook not called")
	}
	assert.True(t, conn.Closed())
	assert.ErrorIs(t, r.Send("stuck", []byte("again")), session.ErrNotFound)

	// Only one report per handle.
	select {
	case f := <-failures:
		t.Fatalf("unexpected second failure: %v", f.cause)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleConnErrorReportsTransportFailure(t *testing.T) {
	r, failures := newRegistry(t, session.DefaultConfig())
	conn := sessiontest.NewConn()
	boom := errors.New("broken pipe")
	conn.FailWith(boom)
	r.Register("s1", conn)

	require.NoError(t, r.Send("s1", []byte("x")))

	select {
	case f := <-failures:
		assert.Equal(t, "s1", f.sessionID)
		assert.ErrorIs(t, f.cause, session.ErrTransportFailure)
		assert.ErrorIs(t, f.cause, boom)
	case <-time.After(time.Second):
		t.Fatal("transport error hook not called")
	}
	assert.Equal(t, 0, r.Len())
	assert.True(t, conn.Closed())
}

func TestHandleSendDoesNotWaitForConnection(t *testing.T) {
	r, failures := newRegistry(t, session.Config{
		SendTimeLimit:   time.Minute,
		BufferSizeLimit: 1024,
	})
	conn := sessiontest.NewBlockedConn()
	h := r.Register("slow", conn)

	start := time.Now()
	for range 10 {
		require.NoError(t, r.Send("slow", make([]byte, 50)))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 500, h.BufferedBytes())

	conn.Unblock()
	require.NoError(t, h.Flush(context.Background()))
	assert.Len(t, conn.Messages(), 10)
	assert.Zero(t, h.BufferedBytes())
	assert.False(t, h.Closed())

	select {
	case f := <-failures:
		t.Fatalf("unexpected failure: %v", f.cause)
	default:
	}
}

func TestHandleLargeFirstMessagePassesBufferLimit(t *testing.T) {
	r, _ := newRegistry(t, session.Config{SendTimeLimit: time.Minute, BufferSizeLimit: 10})
	conn := sessiontest.NewConn()
	h := r.Register("s1", conn)

	require.NoError(t, r.Send("s1", make([]byte, 100)))
	require.NoError(t, h.Flush(context.Background()))
	assert.Len(t, conn.Messages(), 1)
	assert.False(t, h.Closed())
}

func TestFlushHonorsContext(t *testing.T) {
	r, _ := newRegistry(t, session.DefaultConfig())
	conn := sessiontest.NewBlockedConn()
	r.Register("s1", conn)
	require.NoError(t, r.Send("s1", []byte("held")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Flush(ctx), context.DeadlineExceeded)

	r.Remove("s1")
	assert.NoError(t, r.Flush(context.Background()))
}

func TestRemoveDoesNotReportFailure(t *testing.T) {
	r, failures := newRegistry(t, session.DefaultConfig())
	r.Register("s1", sessiontest.NewConn())
	r.Remove("s1")

	select {
	case f := <-failures:
		t.Fatalf("unexpected failure: %v", f.cause)
	default:
	}
}

func TestCloseAll(t *testing.T) {
	r, _ := newRegistry(t, session.DefaultConfig())
	a := sessiontest.NewConn()
	b := sessiontest.NewConn()
	r.Register("a", a)
	r.Register("b", b)

	r.CloseAll()
	assert.Equal(t, 0, r.Len())
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
}
