// Package api is the HTTP surface of the hub: health and info endpoints,
// the REST notification resource, the websocket endpoint and expvar
// metrics.
package api

import (
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/devicehive/notifyhub/pkg/auth"
	"github.com/devicehive/notifyhub/pkg/service"
	"github.com/devicehive/notifyhub/pkg/wire"
)

// API serves the HTTP routes.
type API struct {
	svc       *service.Service
	authn     auth.Authenticator
	websocket http.Handler
	logger    *slog.Logger
}

// New returns the API. websocket may be nil to disable the endpoint.
func New(svc *service.Service, authn auth.Authenticator, websocket http.Handler, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{svc: svc, authn: authn, websocket: websocket, logger: logger.With("component", "API")}
}

// Router returns the HTTP handler.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/info", a.info)
	r.Handle("/debug/vars", expvar.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)
		if a.websocket != nil {
			r.Handle("/websocket", a.websocket)
		}
		r.Post("/device/{deviceId}/notification", a.insertNotification)
		r.Get("/device/{deviceId}/notification", a.pollNotifications)
	})
	return r
}

func (a *API) info(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"apiVersion":      service.APIVersion,
		"serverTimestamp": time.Now().UTC(),
		"sessions":        a.svc.Sessions(),
		"subscriptions":   a.svc.Index().Count(),
	})
}

// authenticate resolves a bearer token into a principal on the request
// context. Requests without a token pass through anonymous; the websocket
// accepts the token as the access_token query parameter as well.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || a.authn == nil {
			next.ServeHTTP(w, r)
			return
		}
		p, err := a.authn.Authenticate(r.Context(), auth.Credentials{
			Token:      token,
			RemoteAddr: remoteIP(r),
			Origin:     r.Header.Get("Origin"),
		})
		if err != nil {
			a.fail(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func remoteIP(r *http.Request) netip.Addr {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap()
	}
	addr, _ := netip.ParseAddr(r.RemoteAddr)
	return addr
}

type insertBody struct {
	Name       string         `json:"notification"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (a *API) insertNotification(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if p == nil {
		a.fail(w, auth.ErrUnauthenticated)
		return
	}
	if !p.HasAction(auth.ActionCreateDeviceNotification) {
		a.fail(w, auth.ErrNotAuthorized)
		return
	}

	var body insertBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.fail(w, fmt.Errorf("%w: %v", service.ErrValidation, err))
		return
	}
	n, err := a.svc.InsertNotification(r.Context(), p, chi.URLParam(r, "deviceId"), body.Name, body.Parameters)
	if err != nil {
		a.fail(w, err)
		return
	}
	ts := n.Timestamp.UTC()
	writeJSON(w, http.StatusCreated, wire.NotificationBody{ID: n.ID, Timestamp: &ts})
}

// pollNotifications lists stored notifications of one device.
// Query parameters: names (comma separated), since (RFC 3339) and take.
func (a *API) pollNotifications(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if p == nil {
		a.fail(w, auth.ErrUnauthenticated)
		return
	}
	if !p.HasAction(auth.ActionGetDeviceNotification) {
		a.fail(w, auth.ErrNotAuthorized)
		return
	}

	q := r.URL.Query()
	var names []string
	if v := q.Get("names"); v != "" {
		names = strings.Split(v, ",")
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			a.fail(w, fmt.Errorf("%w: since: %v", service.ErrValidation, err))
			return
		}
		since = t
	}
	limit := 0
	if v := q.Get("take"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.fail(w, fmt.Errorf("%w: take must be a non-negative integer", service.ErrValidation))
			return
		}
		limit = n
	}

	found, err := a.svc.Poll(r.Context(), p, chi.URLParam(r, "deviceId"), names, since, limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	out := make([]*wire.NotificationBody, 0, len(found))
	for i := range found {
		out = append(out, wire.NewNotificationBody(&found[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

type errorBody struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

func (a *API) fail(w http.ResponseWriter, err error) {
	code, msg := service.StatusFor(err)
	if code >= http.StatusInternalServerError && !errors.Is(err, service.ErrValidation) {
		a.logger.Error("Request failed", "error", err)
	}
	writeJSON(w, code, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
