package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/devicehive/notifyhub/pkg/auth"
	"github.com/devicehive/notifyhub/pkg/log"
	"github.com/devicehive/notifyhub/pkg/session"
	"github.com/devicehive/notifyhub/pkg/wire"
)

// msgIncorrectSyntax answers frames that cannot be decoded.
const msgIncorrectSyntax = "Incorrect request syntax"

// call is one decoded request in the context of its session.
type call struct {
	state     *connState
	principal *auth.Principal
	req       *wire.Request
}

type handlerFunc func(ctx context.Context, c *call) (*wire.Response, error)

// route binds an action to its handler and the permission checked before
// the handler runs. Routes with authRequired unset run for anonymous
// sessions.
type route struct {
	authRequired bool
	permission   auth.Action
	handle       handlerFunc
}

func (s *Service) buildRoutes() map[string]route {
	return map[string]route{
		wire.ActionAuthenticate: {handle: s.handleAuthenticate},
		wire.ActionServerInfo:   {handle: s.handleServerInfo},
		wire.ActionSubscribe: {
			authRequired: true,
			permission:   auth.ActionGetDeviceNotification,
			handle:       s.handleSubscribe,
		},
		wire.ActionUnsubscribe: {
			authRequired: true,
			permission:   auth.ActionGetDeviceNotification,
			handle:       s.handleUnsubscribe,
		},
		wire.ActionInsert: {
			authRequired: true,
			permission:   auth.ActionCreateDeviceNotification,
			handle:       s.handleInsert,
		},
	}
}

// authorize is the check every routed request passes before its handler.
func (r route) authorize(p *auth.Principal) error {
	if !r.authRequired {
		return nil
	}
	if p == nil {
		return auth.ErrUnauthenticated
	}
	if r.permission != "" && !p.HasAction(r.permission) {
		return fmt.Errorf("%w: %s", auth.ErrNotAuthorized, r.permission)
	}
	return nil
}

// OnConnect registers a new connection with the registry.
func (s *Service) OnConnect(sessionID string, conn session.Conn, info ConnInfo) {
	codec := info.Codec
	if codec == nil {
		codec = wire.JSON
	}
	state := &connState{
		sessionID:   sessionID,
		transport:   info.Transport,
		remoteAddr:  info.RemoteAddr,
		origin:      info.Origin,
		codec:       codec,
		connectedAt: s.now(),
		principal:   info.Principal,
	}
	s.conns.Add(state)
	s.registry.Register(sessionID, conn)

	s.protoLog.Log(log.Event{
		Timestamp:  state.connectedAt,
		SessionID:  sessionID,
		Layer:      log.LayerService,
		Category:   log.CategoryState,
		Transport:  info.Transport,
		RemoteAddr: info.RemoteAddr,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			NewState: "OPEN",
		},
	})
	s.logger.Debug("Session opened", "session_id", sessionID, "transport", info.Transport, "remote", info.RemoteAddr)
}

// OnMessage handles one inbound frame and sends the response on the
// session's connection.
func (s *Service) OnMessage(ctx context.Context, sessionID string, data []byte) {
	state := s.conns.Get(sessionID)
	if state == nil {
		s.logger.Debug("Message for unknown session", "session_id", sessionID)
		return
	}

	resp := s.handleFrame(ctx, state, data)
	msg, err := wire.EncodeResponse(state.codec, resp)
	if err != nil {
		s.logger.Error("Failed to encode response", "session_id", sessionID, "error", err)
		return
	}
	if err := s.registry.Send(sessionID, msg); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.Debug("Failed to send response", "session_id", sessionID, "error", err)
	}
}

// handleFrame decodes and routes one frame and returns the response.
func (s *Service) handleFrame(ctx context.Context, state *connState, data []byte) *wire.Response {
	start := s.now()

	req, err := wire.DecodeRequest(state.codec, data)
	if err != nil {
		s.logger.Debug("Undecodable request", "session_id", state.sessionID, "error", err)
		resp := wire.NewFailure(nil, http.StatusBadRequest, msgIncorrectSyntax)
		s.logError(state, http.StatusBadRequest, err, "decode")
		return resp
	}

	principal := state.Principal()
	s.logMessage(state, principal, log.DirectionIn, &log.MessageEvent{
		Type:      log.MessageTypeRequest,
		Action:    req.Action,
		RequestID: requestIDString(req.RequestID),
	})

	resp := s.route(ctx, &call{state: state, principal: principal, req: req})

	elapsed := s.now().Sub(start)
	s.logMessage(state, state.Principal(), log.DirectionOut, &log.MessageEvent{
		Type:           log.MessageTypeResponse,
		Action:         resp.Action,
		RequestID:      requestIDString(resp.RequestID),
		SubscriptionID: resp.SubscriptionID,
		Status:         resp.Status,
		Code:           resp.Code,
		ProcessingTime: &elapsed,
	})
	return resp
}

func (s *Service) route(ctx context.Context, c *call) *wire.Response {
	r, ok := s.routes[c.req.Action]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownAction, c.req.Action)
		return s.failure(c, err)
	}
	if err := r.authorize(c.principal); err != nil {
		return s.failure(c, err)
	}
	resp, err := r.handle(ctx, c)
	if err != nil {
		return s.failure(c, err)
	}
	return resp
}

func (s *Service) failure(c *call, err error) *wire.Response {
	code, msg := StatusFor(err)
	s.logError(c.state, code, err, c.req.Action)
	return wire.NewFailure(c.req, code, msg)
}

// StatusFor maps an error to the status code and message sent to clients.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnknownAction):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, auth.ErrNotAuthorized):
		return http.StatusForbidden, "Access is denied"
	case errors.Is(err, ErrDeviceUnavailable):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, err.Error()
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (s *Service) handleAuthenticate(ctx context.Context, c *call) (*wire.Response, error) {
	if s.authn == nil {
		return nil, auth.ErrUnauthenticated
	}
	if c.req.Token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrValidation)
	}
	p, err := s.authn.Authenticate(ctx, auth.Credentials{
		Token:      c.req.Token,
		RemoteAddr: c.state.remoteIP(),
		Origin:     c.state.origin,
	})
	if err != nil {
		return nil, err
	}
	c.state.setPrincipal(p)
	s.logState(c.state.sessionID, log.StateEntitySession, "OPEN", "AUTHENTICATED", p.KeyID, nil)
	return wire.NewSuccess(c.req), nil
}

func (s *Service) handleServerInfo(_ context.Context, c *call) (*wire.Response, error) {
	resp := wire.NewSuccess(c.req)
	now := s.now().UTC()
	resp.ServerTimestamp = &now
	resp.APIVersion = APIVersion
	return resp, nil
}

func (s *Service) handleSubscribe(ctx context.Context, c *call) (*wire.Response, error) {
	req := SubscribeRequest{
		DeviceID:  c.req.DeviceID,
		DeviceIDs: c.req.DeviceIDs,
		Names:     c.req.Names,
	}
	if c.req.Timestamp != nil {
		req.Since = *c.req.Timestamp
	}
	id, err := s.Subscribe(ctx, c.state.sessionID, c.principal, req)
	if err != nil {
		return nil, err
	}
	resp := wire.NewSuccess(c.req)
	resp.SubscriptionID = id
	return resp, nil
}

func (s *Service) handleUnsubscribe(ctx context.Context, c *call) (*wire.Response, error) {
	err := s.Unsubscribe(ctx, c.state.sessionID, UnsubscribeRequest{
		SubscriptionID: c.req.SubscriptionID,
		DeviceIDs:      c.req.DeviceIDs,
	})
	if err != nil {
		return nil, err
	}
	return wire.NewSuccess(c.req), nil
}

func (s *Service) handleInsert(ctx context.Context, c *call) (*wire.Response, error) {
	body := c.req.Notification
	if body == nil || body.Name == "" {
		return nil, fmt.Errorf("%w: notification is required", ErrValidation)
	}
	n, err := s.InsertNotification(ctx, c.principal, c.req.DeviceID, body.Name, body.Parameters)
	if err != nil {
		return nil, err
	}
	ts := n.Timestamp.UTC()
	resp := wire.NewSuccess(c.req)
	resp.Notification = &wire.NotificationBody{ID: n.ID, Timestamp: &ts}
	return resp, nil
}

func (s *Service) logMessage(state *connState, p *auth.Principal, dir log.Direction, msg *log.MessageEvent) {
	event := log.Event{
		Timestamp:  s.now(),
		SessionID:  state.sessionID,
		Direction:  dir,
		Layer:      log.LayerWire,
		Category:   log.CategoryMessage,
		Transport:  state.transport,
		RemoteAddr: state.remoteAddr,
		Message:    msg,
	}
	if p != nil {
		event.Principal = p.KeyID
	}
	s.protoLog.Log(event)
}

func (s *Service) logError(state *connState, code int, err error, op string) {
	s.protoLog.Log(log.Event{
		Timestamp: s.now(),
		SessionID: state.sessionID,
		Layer:     log.LayerService,
		Category:  log.CategoryError,
		Transport: state.transport,
		Error: &log.ErrorEventData{
			Layer:   log.LayerService,
			Message: err.Error(),
			Code:    &code,
			Context: op,
		},
	})
}

func requestIDString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
