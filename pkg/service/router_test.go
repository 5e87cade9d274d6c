package service

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/devicehive/notifyhub/pkg/auth"
	"github.com/devicehive/notifyhub/pkg/model"
	"github.com/devicehive/notifyhub/pkg/session"
	"github.com/devicehive/notifyhub/pkg/session/sessiontest"
	"github.com/devicehive/notifyhub/pkg/store"
	"github.com/devicehive/notifyhub/pkg/subscription"
	"github.com/devicehive/notifyhub/pkg/wire"
)

// wsClient drives a session through OnMessage the way a transport does.
type wsClient struct {
	t     *testing.T
	svc   *Service
	id    string
	conn  *sessiontest.Conn
	codec wire.Codec
}

func newRouterService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory(0)
	ctx := context.Background()
	net1 := int64(1)
	require.NoError(t, mem.PutDevice(ctx, model.Device{ID: "dev-1", NetworkID: &net1}))
	require.NoError(t, mem.PutDevice(ctx, model.Device{ID: "dev-2", NetworkID: &net1}))
	require.NoError(t, mem.PutDevice(ctx, model.Device{ID: "dev-loose"}))

	hash := func(secret string) string {
		h, err := auth.HashSecretWithCost(secret, bcrypt.MinCost)
		require.NoError(t, err)
		return h
	}
	perm := func(doc string) auth.Permission {
		var p auth.Permission
		require.NoError(t, yaml.Unmarshal([]byte(doc), &p))
		return p
	}
	keys, err := auth.NewKeyStore([]auth.AccessKey{
		{ID: "admin", Role: auth.RoleAdmin, SecretHash: hash("root")},
		{ID: "reader", Role: auth.RoleClient, SecretHash: hash("r"), Permissions: []auth.Permission{
			perm("actions: [GET_DEVICE_NOTIFICATION]"),
		}},
		{ID: "writer", Role: auth.RoleClient, SecretHash: hash("w"), Permissions: []auth.Permission{
			perm("actions: [CREATE_DEVICE_NOTIFICATION]"),
		}},
	}, mem, nil)
	require.NoError(t, err)

	svc, err := New(Deps{
		Index:         subscription.NewIndex(),
		Registry:      session.NewRegistry(session.DefaultConfig(), nil),
		Store:         mem,
		Directory:     mem,
		Authenticator: keys,
	}, DefaultConfig())
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(svc.Stop)
	return svc, mem
}

func connectClient(t *testing.T, svc *Service, id string) *wsClient {
	conn := sessiontest.NewConn()
	svc.OnConnect(id, conn, ConnInfo{Transport: "ws", RemoteAddr: "127.0.0.1:50000", Codec: wire.JSON})
	return &wsClient{t: t, svc: svc, id: id, conn: conn, codec: wire.JSON}
}

// call sends req and returns the response to it.
func (c *wsClient) call(req map[string]any) *wire.Response {
	c.t.Helper()
	data, err := json.Marshal(req)
	require.NoError(c.t, err)
	return c.raw(data)
}

func (c *wsClient) raw(data []byte) *wire.Response {
	c.t.Helper()
	before := len(c.conn.Messages())
	c.svc.OnMessage(context.Background(), c.id, data)
	require.NoError(c.t, c.svc.registry.Flush(context.Background()))
	msgs := c.conn.Messages()
	for _, msg := range msgs[before:] {
		resp, _, err := wire.DecodeServerMessage(c.codec, msg)
		require.NoError(c.t, err)
		if resp != nil {
			return resp
		}
	}
	c.t.Fatalf("no response to %s", data)
	return nil
}

func (c *wsClient) pushes() []*wire.Push {
	var out []*wire.Push
	for _, msg := range c.conn.Messages() {
		_, push, err := wire.DecodeServerMessage(c.codec, msg)
		require.NoError(c.t, err)
		if push != nil {
			out = append(out, push)
		}
	}
	return out
}

func TestRouterRequiresAuthentication(t *testing.T) {
	svc, _ := newRouterService(t)
	c := connectClient(t, svc, "s1")

	resp := c.call(map[string]any{"action": "notification/subscribe", "requestId": 7, "deviceId": "dev-1"})
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.EqualValues(t, 7, resp.RequestID)

	resp = c.call(map[string]any{"action": "authenticate", "token": "admin.wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = c.call(map[string]any{"action": "authenticate", "token": "admin.root", "requestId": "a1"})
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, "a1", resp.RequestID)
	assert.Equal(t, wire.ActionAuthenticate, resp.Action)
}

func TestRouterServerInfoIsPublic(t *testing.T) {
	svc, _ := newRouterService(t)
	c := connectClient(t, svc, "s1")

	resp := c.call(map[string]any{"action": "server/info"})
	require.True(t, resp.IsSuccess())
	assert.Equal(t, APIVersion, resp.APIVersion)
	require.NotNil(t, resp.ServerTimestamp)
	assert.WithinDuration(t, time.Now(), *resp.ServerTimestamp, time.Minute)
}

func TestRouterRejectsBadInput(t *testing.T) {
	svc, _ := newRouterService(t)
	c := connectClient(t, svc, "s1")

	resp := c.raw([]byte("{not json"))
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, msgIncorrectSyntax, resp.Error)

	resp = c.raw([]byte(`{"requestId": 1}`))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = c.call(map[string]any{"action": "command/insert"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "command/insert", resp.Action)
}

func TestRouterChecksRoutePermission(t *testing.T) {
	svc, _ := newRouterService(t)
	writer := connectClient(t, svc, "w")
	require.True(t, writer.call(map[string]any{"action": "authenticate", "token": "writer.w"}).IsSuccess())

	resp := writer.call(map[string]any{"action": "notification/subscribe", "deviceId": "dev-1"})
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Zero(t, svc.Index().Count())

	resp = writer.call(map[string]any{"action": "notification/unsubscribe"})
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestRouterSubscribeInsertUnsubscribe(t *testing.T) {
	svc, _ := newRouterService(t)
	reader := connectClient(t, svc, "r")
	writer := connectClient(t, svc, "w")
	require.True(t, reader.call(map[string]any{"action": "authenticate", "token": "reader.r"}).IsSuccess())
	require.True(t, writer.call(map[string]any{"action": "authenticate", "token": "writer.w"}).IsSuccess())

	resp := reader.call(map[string]any{
		"action":    "notification/subscribe",
		"deviceIds": []string{"dev-1", "dev-2"},
		"names":     []string{"alert"},
	})
	require.True(t, resp.IsSuccess(), resp.Error)
	subID := resp.SubscriptionID
	require.NotEmpty(t, subID)

	resp = writer.call(map[string]any{
		"action":       "notification/insert",
		"deviceId":     "dev-1",
		"notification": map[string]any{"notification": "temp", "parameters": map[string]any{"c": 20}},
	})
	require.True(t, resp.IsSuccess(), resp.Error)

	resp = writer.call(map[string]any{
		"action":       "notification/insert",
		"deviceId":     "dev-2",
		"notification": map[string]any{"notification": "alert"},
	})
	require.True(t, resp.IsSuccess(), resp.Error)
	require.NotNil(t, resp.Notification)
	insertedID := resp.Notification.ID
	assert.NotZero(t, insertedID)
	assert.NotNil(t, resp.Notification.Timestamp)

	svc.Dispatcher().Wait()
	require.NoError(t, svc.registry.Flush(context.Background()))
	got := reader.pushes()
	require.Len(t, got, 1)
	assert.Equal(t, subID, got[0].SubscriptionID)
	assert.Equal(t, insertedID, got[0].Notification.ID)
	assert.Equal(t, "alert", got[0].Notification.Name)

	resp = reader.call(map[string]any{"action": "notification/unsubscribe", "subscriptionId": subID})
	require.True(t, resp.IsSuccess())
	assert.Zero(t, svc.Index().Count())

	resp = reader.call(map[string]any{"action": "notification/unsubscribe", "subscriptionId": subID})
	assert.True(t, resp.IsSuccess())
}

func TestRouterSubscribeValidation(t *testing.T) {
	svc, _ := newRouterService(t)
	c := connectClient(t, svc, "s1")
	require.True(t, c.call(map[string]any{"action": "authenticate", "token": "admin.root"}).IsSuccess())

	resp := c.call(map[string]any{
		"action":    "notification/subscribe",
		"deviceId":  "dev-1",
		"deviceIds": []string{"dev-2"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	// An explicit empty list still conflicts with deviceId.
	resp = c.raw([]byte(`{"action":"notification/subscribe","deviceId":"dev-1","deviceIds":[]}`))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Zero(t, svc.Index().Count())
}

func TestRouterInsertErrors(t *testing.T) {
	svc, _ := newRouterService(t)
	c := connectClient(t, svc, "s1")
	require.True(t, c.call(map[string]any{"action": "authenticate", "token": "admin.root"}).IsSuccess())

	resp := c.call(map[string]any{"action": "notification/insert", "deviceId": "dev-1"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = c.call(map[string]any{
		"action":       "notification/insert",
		"deviceId":     "dev-loose",
		"notification": map[string]any{"notification": "temp"},
	})
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Contains(t, resp.Error, "not connected to network")

	resp = c.call(map[string]any{
		"action":       "notification/insert",
		"deviceId":     "ghost",
		"notification": map[string]any{"notification": "temp"},
	})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRouterCBORCodec(t *testing.T) {
	svc, _ := newRouterService(t)
	conn := sessiontest.NewConn()
	svc.OnConnect("tcp-1", conn, ConnInfo{Transport: "tcp", Codec: wire.CBOR})
	c := &wsClient{t: t, svc: svc, id: "tcp-1", conn: conn, codec: wire.CBOR}

	data, err := wire.EncodeRequest(wire.CBOR, &wire.Request{Action: wire.ActionServerInfo, RequestID: uint64(3)})
	require.NoError(t, err)
	resp := c.raw(data)
	assert.True(t, resp.IsSuccess())
	assert.EqualValues(t, 3, resp.RequestID)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrValidation, http.StatusBadRequest},
		{ErrUnknownAction, http.StatusBadRequest},
		{auth.ErrUnauthenticated, http.StatusUnauthorized},
		{auth.ErrNotAuthorized, http.StatusForbidden},
		{ErrDeviceUnavailable, http.StatusForbidden},
		{ErrNotFound, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, msg := StatusFor(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.NotEmpty(t, msg)
	}
}
