package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/devicehive/notifyhub/pkg/auth"
	"github.com/devicehive/notifyhub/pkg/model"
	"github.com/devicehive/notifyhub/pkg/service"
	"github.com/devicehive/notifyhub/pkg/session"
	"github.com/devicehive/notifyhub/pkg/store"
	"github.com/devicehive/notifyhub/pkg/subscription"
	"github.com/devicehive/notifyhub/pkg/transport/ws"
	"github.com/devicehive/notifyhub/pkg/wire"
)

func newTestServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()
	mem := store.NewMemory(0)
	ctx := context.Background()
	net1 := int64(1)
	require.NoError(t, mem.PutDevice(ctx, model.Device{ID: "dev-1", NetworkID: &net1}))
	require.NoError(t, mem.PutDevice(ctx, model.Device{ID: "dev-2", NetworkID: &net1}))

	hash := func(s string) string {
		h, err := auth.HashSecretWithCost(s, bcrypt.MinCost)
		require.NoError(t, err)
		return h
	}
	var readOnly auth.Permission
	require.NoError(t, yaml.Unmarshal([]byte("actions: [GET_DEVICE_NOTIFICATION]\ndevice_ids: [dev-1]"), &readOnly))
	keys, err := auth.NewKeyStore([]auth.AccessKey{
		{ID: "admin", Role: auth.RoleAdmin, SecretHash: hash("root")},
		{ID: "reader", Role: auth.RoleClient, SecretHash: hash("r"), Permissions: []auth.Permission{readOnly}},
	}, mem, nil)
	require.NoError(t, err)

	svc, err := service.New(service.Deps{
		Index:         subscription.NewIndex(),
		Registry:      session.NewRegistry(session.DefaultConfig(), nil),
		Store:         mem,
		Directory:     mem,
		Authenticator: keys,
	}, service.DefaultConfig())
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(svc.Stop)

	a := New(svc, keys, ws.NewHandler(svc, ws.Config{}, nil), nil)
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return srv, svc
}

func do(t *testing.T, method, url, token, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthAndInfo(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/info", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info map[string]any
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, service.APIVersion, info["apiVersion"])
	assert.EqualValues(t, 0, info["subscriptions"])
}

func TestInsertAndPoll(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/device/dev-1/notification", "admin.root",
		`{"notification":"temp","parameters":{"c":20}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created wire.NotificationBody
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotZero(t, created.ID)
	require.NotNil(t, created.Timestamp)

	resp, _ = do(t, http.MethodPost, srv.URL+"/device/dev-1/notification", "admin.root", `{"notification":"alarm"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/device/dev-1/notification?names=temp", "reader.r", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var list []wire.NotificationBody
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
	assert.Equal(t, "temp", list[0].Name)

	since := created.Timestamp.Format(time.RFC3339Nano)
	resp, body = do(t, http.MethodGet, srv.URL+"/device/dev-1/notification?since="+since, "reader.r", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "alarm", list[0].Name)

	resp, _ = do(t, http.MethodGet, srv.URL+"/debug/vars", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRESTErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		code   int
	}{
		{"anonymous insert", http.MethodPost, "/device/dev-1/notification", "", `{"notification":"x"}`, http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/device/dev-1/notification", "admin.nope", "", http.StatusUnauthorized},
		{"reader cannot insert", http.MethodPost, "/device/dev-1/notification", "reader.r", `{"notification":"x"}`, http.StatusForbidden},
		{"reader outside grant", http.MethodGet, "/device/dev-2/notification", "reader.r", "", http.StatusForbidden},
		{"bad json", http.MethodPost, "/device/dev-1/notification", "admin.root", `{`, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/device/dev-1/notification", "admin.root", `{}`, http.StatusBadRequest},
		{"unknown device", http.MethodPost, "/device/ghost/notification", "admin.root", `{"notification":"x"}`, http.StatusNotFound},
		{"bad since", http.MethodGet, "/device/dev-1/notification?since=yesterday", "admin.root", "", http.StatusBadRequest},
		{"bad take", http.MethodGet, "/device/dev-1/notification?take=-1", "admin.root", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, srv.URL+tt.path, tt.token, tt.body)
			assert.Equal(t, tt.code, resp.StatusCode, string(body))
			var e errorBody
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, tt.code, e.Error)
		})
	}
}

func TestWebsocketWithAccessToken(t *testing.T) {
	srv, svc := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/websocket?access_token=reader.r"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "notification/subscribe", "deviceId": "dev-1"}))
	var resp wire.Response
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))
	require.True(t, resp.IsSuccess(), resp.Error)
	assert.Equal(t, 1, svc.Index().Count())

	do(t, http.MethodPost, srv.URL+"/device/dev-1/notification", "admin.root", `{"notification":"temp"}`)
	var push wire.Push
	require.NoError(t, conn.ReadJSON(&push))
	assert.Equal(t, resp.SubscriptionID, push.SubscriptionID)
	assert.Equal(t, "temp", push.Notification.Name)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?access_token=q", nil)
	assert.Equal(t, "q", bearerToken(r))

	r.Header.Set("Authorization", "Bearer  abc ")
	assert.Equal(t, "abc", bearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, bearerToken(r))
}
