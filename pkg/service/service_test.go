package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/devicehive/notifyhub/pkg/auth"
	"github.com/devicehive/notifyhub/pkg/model"
	"github.com/devicehive/notifyhub/pkg/session"
	"github.com/devicehive/notifyhub/pkg/session/sessiontest"
	"github.com/devicehive/notifyhub/pkg/store"
	"github.com/devicehive/notifyhub/pkg/store/mocks"
	"github.com/devicehive/notifyhub/pkg/subscription"
	"github.com/devicehive/notifyhub/pkg/wire"
)

type fixture struct {
	svc *Service
	mem *store.Memory
	reg *session.Registry
}

func newFixture(t *testing.T, notifications store.NotificationStore, sessionConfig session.Config) *fixture {
	t.Helper()
	mem := store.NewMemory(0)
	ctx := context.Background()
	net1 := int64(1)
	for _, id := range []string{"dev-1", "dev-2", "dev-3"} {
		require.NoError(t, mem.PutDevice(ctx, model.Device{ID: id, NetworkID: &net1}))
	}
	require.NoError(t, mem.PutDevice(ctx, model.Device{ID: "dev-loose"}))

	if notifications == nil {
		notifications = mem
	}
	reg := session.NewRegistry(sessionConfig, nil)
	svc, err := New(Deps{
		Index:     subscription.NewIndex(),
		Registry:  reg,
		Store:     notifications,
		Directory: mem,
	}, Config{})
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(svc.Stop)

	return &fixture{svc: svc, mem: mem, reg: reg}
}

func (f *fixture) connect(sessionID string) *sessiontest.Conn {
	conn := sessiontest.NewConn()
	f.svc.OnConnect(sessionID, conn, ConnInfo{Transport: "test", Codec: wire.JSON})
	return conn
}

func (f *fixture) insert(t *testing.T, deviceID, name string) *model.Notification {
	t.Helper()
	n, err := f.svc.InsertNotification(context.Background(), admin(), deviceID, name, map[string]any{"v": 1})
	require.NoError(t, err)
	f.settle(t)
	return n
}

// settle waits until every queued push has been written.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	f.svc.Dispatcher().Wait()
	require.NoError(t, f.reg.Flush(context.Background()))
}

func admin() *auth.Principal {
	return auth.NewPrincipal("admin", "admin", auth.RoleAdmin, nil)
}

func pushes(t *testing.T, conn *sessiontest.Conn) []*wire.Push {
	t.Helper()
	var out []*wire.Push
	for _, msg := range conn.Messages() {
		resp, push, err := wire.DecodeServerMessage(wire.JSON, msg)
		require.NoError(t, err)
		if resp == nil {
			out = append(out, push)
		}
	}
	return out
}

func TestSubscribeDeliverUnsubscribe(t *testing.T) {
	f := newFixture(t, nil, session.DefaultConfig())
	ctx := context.Background()
	conn := f.connect("s1")

	id, err := f.svc.Subscribe(ctx, "s1", admin(), SubscribeRequest{DeviceID: "dev-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	n := f.insert(t, "dev-1", "temp")
	got := pushes(t, conn)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].SubscriptionID)
	assert.Equal(t, n.ID, got[0].Notification.ID)
	assert.Equal(t, "dev-1", got[0].Notification.DeviceID)
	assert.Equal(t, "temp", got[0].Notification.Name)
	assert.EqualValues(t, 1, got[0].Notification.Parameters["v"])

	require.NoError(t, f.svc.Unsubscribe(ctx, "s1", UnsubscribeRequest{SubscriptionID: id}))
	f.insert(t, "dev-1", "temp")
	assert.Len(t, pushes(t, conn), 1)
}

func TestSubscribeFiltersByDeviceAndName(t *testing.T) {
	f := newFixture(t, nil, session.DefaultConfig())
	conn := f.connect("s1")

	_, err := f.svc.Subscribe(context.Background(), "s1", admin(), SubscribeRequest{
		DeviceIDs: []string{"dev-1", "dev-2"},
		Names:     []string{"alert"},
	})
	require.NoError(t, err)

	f.insert(t, "dev-1", "temp")
	assert.Empty(t, pushes(t, conn))

	f.insert(t, "dev-2", "alert")
	f.insert(t, "dev-3", "alert")
	got := pushes(t, conn)
	require.Len(t, got, 1)
	assert.Equal(t, "dev-2", got[0].Notification.DeviceID)
}

func TestSubscribeRejectsDeviceIDWithDeviceIDs(t *testing.T) {
	f := newFixture(t, nil, session.DefaultConfig())
	f.connect("s1")

	for _, ids := range [][]string{{"dev-2"}, {"dev-1"}, {}} {
		_, err := f.svc.Subscribe(context.Background(), "s1", admin(), SubscribeRequest{
			DeviceID:  "dev-1",
			DeviceIDs: ids,
		})
		assert.ErrorIs(t, err, ErrValidation, "deviceIds %v", ids)
	}
	assert.Zero(t, f.svc.Index().Count())
}

func TestSubscribeAuthorizesDevices(t *testing.T) {
	f := newFixture(t, nil, session.DefaultConfig())
	f.connect("s1")
	ctx := context.Background()

	var perm auth.Permission
	require.NoError(t, yaml.Unmarshal([]byte("device_ids: [dev-1]"), &perm))
	client := auth.NewPrincipal("c", "client", auth.RoleClient, []auth.Permission{perm})

	_, err := f.svc.Subscribe(ctx, "s1", client, SubscribeRequest{DeviceIDs: []string{"dev-1", "dev-2"}})
	assert.ErrorIs(t, err, auth.ErrNotAuthorized)

	_, err = f.svc.Subscribe(ctx, "s1", client, SubscribeRequest{DeviceID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Subscribe(ctx, "s1", nil, SubscribeRequest{DeviceID: "dev-1"})
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	assert.Zero(t, f.svc.Index().Count())
}

func TestGlobalSubscriptionRespectsVisibleDevices(t *testing.T) {
	f := newFixture(t, nil, session.DefaultConfig())
	conn := f.connect("s1")
	ctx := context.Background()

	hash, err := auth.HashSecretWithCost("pw", bcrypt.MinCost)
	require.NoError(t, err)
	var perm auth.Permission
	require.NoError(t, yaml.Unmarshal([]byte("actions: [GET_DEVICE_NOTIFICATION]\ndevice_ids: [dev-1]"), &perm))
	keys, err := auth.NewKeyStore([]auth.AccessKey{
		{ID: "k", Role: auth.RoleClient, SecretHash: hash, Permissions: []auth.Permission{perm}},
	}, f.mem, nil)
	require.NoError(t, err)
	client, err := keys.Authenticate(ctx, auth.Credentials{Token: "k.pw"})
	require.NoError(t, err)

	_, err = f.svc.Subscribe(ctx, "s1", client, SubscribeRequest{})
	require.NoError(t, err)

	f.insert(t, "dev-2", "temp")
	f.insert(t, "dev-1", "temp")
	got := pushes(t, conn)
	require.Len(t, got, 1)
	assert.Equal(t, "dev-1", got[0].Notification.DeviceID)
}

func TestSubscribeCatchUpRegistersFirst(t *testing.T) {
	notifications := mocks.NewMockNotificationStore(t)
	f := newFixture(t, notifications, session.DefaultConfig())
	conn := f.connect("s1")

	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	stored := []model.Notification{
		{ID: 10, DeviceID: "dev-1", Name: "temp", Timestamp: since.Add(time.Second)},
		{ID: 11, DeviceID: "dev-1", Name: "temp", Timestamp: since.Add(2 * time.Second)},
	}

	notifications.EXPECT().
		QueryMatching(mock.Anything, store.Query{
			DeviceIDs: []string{"dev-1"},
			Since:     since,
			Limit:     DefaultCatchUpLimit,
		}).
		Run(func(_ context.Context, _ store.Query) {
			assert.Equal(t, 1, f.svc.Index().Count(), "subscription must be registered before the query")
		}).
		Return(stored, nil).
		Once()

	id, err := f.svc.Subscribe(context.Background(), "s1", admin(), SubscribeRequest{DeviceID: "dev-1", Since: since})
	require.NoError(t, err)
	f.settle(t)

	got := pushes(t, conn)
	require.Len(t, got, 2)
	assert.Equal(t, int64(10), got[0].Notification.ID)
	assert.Equal(t, int64(11), got[1].Notification.ID)
	assert.Equal(t, id, got[1].SubscriptionID)
}

func TestSubscribeCatchUpFailureKeepsSubscription(t *testing.T) {
	notifications := mocks.NewMockNotificationStore(t)
	f := newFixture(t, notifications, session.DefaultConfig())
	f.connect("s1")

	notifications.EXPECT().QueryMatching(mock.Anything, mock.Anything).Return(nil, errors.New("db down")).Once()

	id, err := f.svc.Subscribe(context.Background(), "s1", admin(), SubscribeRequest{DeviceID: "dev-1", Since: time.Now()})
	require.NoError(t, err)
	_, ok := f.svc.Index().Get(id)
	assert.True(t, ok)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, session.DefaultConfig())
	f.connect("s1")
	f.connect("s2")
	ctx := context.Background()

	a, err := f.svc.Subscribe(ctx, "s1", admin(), SubscribeRequest{DeviceID: "dev-1"})
	require.NoError(t, err)
	_, err = f.svc.Subscribe(ctx, "s1", admin(), SubscribeRequest{DeviceID: "dev-2"})
	require.NoError(t, err)
	other, err := f.svc.Subscribe(ctx, "s2", admin(), SubscribeRequest{DeviceID: "dev-1"})
	require.NoError(t, err)

	// Another session's subscription is not touched.
	require.NoError(t, f.svc.Unsubscribe(ctx, "s1", UnsubscribeRequest{SubscriptionID: other}))
	_, ok := f.svc.Index().Get(other)
	assert.True(t, ok)

	require.NoError(t, f.svc.Unsubscribe(ctx, "s1", UnsubscribeRequest{SubscriptionID: a}))
	require.NoError(t, f.svc.Unsubscribe(ctx, "s1", UnsubscribeRequest{SubscriptionID: a}))
	require.NoError(t, f.svc.Unsubscribe(ctx, "s1", UnsubscribeRequest{SubscriptionID: "unknown"}))
	assert.Equal(t, 2, f.svc.Index().Count())

	require.NoError(t, f.svc.Unsubscribe(ctx, "s1", UnsubscribeRequest{}))
	assert.Equal(t, 1, f.svc.Index().Count())
	require.NoError(t, f.svc.Unsubscribe(ctx, "s1", UnsubscribeRequest{}))
}

func TestUnsubscribeByDevices(t *testing.T) {
	f := newFixture(t, nil, session.DefaultConfig())
	f.connect("s1")
	ctx := context.Background()

	_, err := f.svc.Subscribe(ctx, "s1", admin(), SubscribeRequest{DeviceIDs: []string{"dev-1", "dev-2"}})
	require.NoError(t, err)
	keep, err := f.svc.Subscribe(ctx, "s1", admin(), SubscribeRequest{DeviceID: "dev-3"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Unsubscribe(ctx, "s1", UnsubscribeRequest{DeviceIDs: []string{"dev-2"}}))
	subs := f.svc.Index().ForSession("s1")
	require.Len(t, subs, 1)
	assert.Equal(t, keep, subs[0].ID)
}

func TestDisconnectCleansUp(t *testing.T) {
	f := newFixture(t, nil, session.DefaultConfig())
	conn := f.connect("s1")
	ctx := context.Background()

	for range 3 {
		_, err := f.svc.Subscribe(ctx, "s1", admin(), SubscribeRequest{DeviceID: "dev-1"})
		require.NoError(t, err)
	}
	f.svc.OnDisconnect("s1")

	assert.Zero(t, f.svc.Index().Count())
	assert.Zero(t, f.reg.Len())
	assert.Zero(t, f.svc.Sessions())
	assert.True(t, conn.Closed())

	f.svc.OnDisconnect("s1")
	f.svc.OnDisconnect("never-connected")
	assert.Zero(t, f.svc.Ingest(&model.Notification{ID: 1, DeviceID: "dev-1", Name: "temp"}))
}

func TestTransportErrorCleansUp(t *testing.T) {
	f := newFixture(t, nil, session.Config{SendTimeLimit: 100 * time.Millisecond})
	ctx := context.Background()

	slow := sessiontest.NewBlockedConn()
	defer slow.Unblock()
	f.svc.OnConnect("slow", slow, ConnInfo{Transport: "test", Codec: wire.JSON})
	fast := f.connect("fast")

	for _, sid := range []string{"slow", "fast"} {
		_, err := f.svc.Subscribe(ctx, sid, admin(), SubscribeRequest{DeviceID: "dev-1"})
		require.NoError(t, err)
	}

	for i := range 20 {
		_, err := f.svc.InsertNotification(ctx, admin(), "dev-1", fmt.Sprintf("n%d", i), map[string]any{"pad": "0123456789abcdef"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(f.svc.Index().ForSession("slow")) == 0 && slow.Closed()
	}, 5*time.Second, 10*time.Millisecond)

	f.settle(t)
	assert.Len(t, pushes(t, fast), 20)
	assert.Len(t, f.svc.Index().ForSession("fast"), 1)
	_, err := f.reg.Get("slow")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestOrphanedSubscriptionIsSwept(t *testing.T) {
	f := newFixture(t, nil, session.DefaultConfig())

	_, err := f.svc.Subscribe(context.Background(), "ghost", admin(), SubscribeRequest{DeviceID: "dev-1"})
	require.NoError(t, err)
	f.insert(t, "dev-1", "temp")

	assert.Zero(t, f.svc.Index().Count())
}

func TestInsertNotification(t *testing.T) {
	f := newFixture(t, nil, session.DefaultConfig())
	ctx := context.Background()

	n, err := f.svc.InsertNotification(ctx, admin(), "dev-1", "temp", nil)
	require.NoError(t, err)
	assert.NotZero(t, n.ID)
	assert.False(t, n.Timestamp.IsZero())
	assert.Equal(t, 1, f.mem.Len())

	_, err = f.svc.InsertNotification(ctx, admin(), "dev-loose", "temp", nil)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)

	_, err = f.svc.InsertNotification(ctx, admin(), "missing", "temp", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.InsertNotification(ctx, admin(), "dev-1", "", nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.InsertNotification(ctx, admin(), "", "temp", nil)
	assert.ErrorIs(t, err, auth.ErrNotAuthorized)

	device := auth.NewPrincipal("d", "sensor", auth.RoleDevice, nil)
	device.DeviceID = "dev-2"
	n, err = f.svc.InsertNotification(ctx, device, "", "temp", nil)
	require.NoError(t, err)
	assert.Equal(t, "dev-2", n.DeviceID)

	_, err = f.svc.InsertNotification(ctx, device, "dev-1", "temp", nil)
	assert.ErrorIs(t, err, auth.ErrNotAuthorized)

	assert.Equal(t, 2, f.mem.Len())
}

func TestPoll(t *testing.T) {
	f := newFixture(t, nil, session.DefaultConfig())
	ctx := context.Background()
	first := f.insert(t, "dev-1", "temp")
	f.insert(t, "dev-1", "alert")
	f.insert(t, "dev-2", "temp")

	got, err := f.svc.Poll(ctx, admin(), "dev-1", nil, first.Timestamp, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alert", got[0].Name)

	_, err = f.svc.Poll(ctx, nil, "dev-1", nil, time.Time{}, 0)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.ErrorIs(t, err, ErrValidation)
}
