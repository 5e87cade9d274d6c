package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/devicehive/notifyhub/internal/metrics"
	"github.com/devicehive/notifyhub/pkg/auth"
	"github.com/devicehive/notifyhub/pkg/dispatch"
	"github.com/devicehive/notifyhub/pkg/log"
	"github.com/devicehive/notifyhub/pkg/model"
	"github.com/devicehive/notifyhub/pkg/session"
	"github.com/devicehive/notifyhub/pkg/store"
	"github.com/devicehive/notifyhub/pkg/subscription"
	"github.com/devicehive/notifyhub/pkg/wire"
)

const tracerName = "github.com/devicehive/notifyhub/pkg/service"

// Service is the subscription and delivery facade used by the transports
// and the HTTP API.
type Service struct {
	config Config

	index      *subscription.Index
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	store      store.NotificationStore
	directory  auth.DeviceDirectory
	authn      auth.Authenticator

	logger   *slog.Logger
	protoLog log.Logger
	tracer   trace.Tracer

	conns  *connTracker
	routes map[string]route
	now    func() time.Time
}

// New wires a service from its collaborators. The registry's transport
// error callback and the dispatcher's cleanup hook are bound to the
// service's disconnect handling.
func New(deps Deps, config Config) (*Service, error) {
	if deps.Index == nil || deps.Registry == nil || deps.Store == nil || deps.Directory == nil {
		return nil, fmt.Errorf("%w: index, registry, store and directory are required", ErrValidation)
	}
	config.applyDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		config:    config,
		index:     deps.Index,
		registry:  deps.Registry,
		store:     deps.Store,
		directory: deps.Directory,
		authn:     deps.Authenticator,
		logger:    logger.With("component", "Service"),
		protoLog:  log.OrNoop(deps.ProtocolLogger),
		tracer:    otel.Tracer(tracerName),
		conns:     newConnTracker(),
		now:       time.Now,
	}
	s.routes = s.buildRoutes()

	s.dispatcher = dispatch.New(config.Dispatch, s.registry, s.encodePush, logger)
	s.dispatcher.OnUndeliverable(s.sweepSession)
	s.registry.OnTransportError(s.OnTransportError)
	return s, nil
}

// Start launches the delivery workers.
func (s *Service) Start() {
	s.dispatcher.Start()
}

// Stop delivers queued pushes, then closes every connection. Connections
// get at most the send time limit to take their remaining messages.
func (s *Service) Stop() {
	s.dispatcher.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), s.registry.Config().SendTimeLimit)
	defer cancel()
	if err := s.registry.Flush(ctx); err != nil {
		s.logger.Warn("Closing sessions with unsent messages", "error", err)
	}
	s.registry.CloseAll()
}

// Dispatcher returns the delivery dispatcher.
func (s *Service) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Index returns the subscription index.
func (s *Service) Index() *subscription.Index {
	return s.index
}

// Sessions returns the number of connected sessions.
func (s *Service) Sessions() int {
	return s.conns.Len()
}

// Subscribe registers a subscription for sessionID and returns its ID.
// When req.Since is set, stored notifications after it are queued for
// delivery after the subscription is registered, so a notification
// inserted concurrently may be delivered twice but never missed.
func (s *Service) Subscribe(ctx context.Context, sessionID string, principal *auth.Principal, req SubscribeRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Subscribe")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if req.DeviceID != "" && req.DeviceIDs != nil {
		err := fmt.Errorf("%w: deviceId and deviceIds are mutually exclusive", ErrValidation)
		recordError(span, err)
		return "", err
	}
	if principal == nil {
		return "", auth.ErrUnauthenticated
	}

	devices := req.DeviceIDs
	if req.DeviceID != "" {
		devices = []string{req.DeviceID}
	}
	deviceSet := subscription.NewSet(devices...)
	for id := range deviceSet {
		if err := s.authorizeDevice(ctx, principal, auth.ActionGetDeviceNotification, id); err != nil {
			recordError(span, err)
			return "", err
		}
	}

	sub := &subscription.Subscription{
		SessionID: sessionID,
		Devices:   deviceSet,
		Names:     subscription.NewSet(req.Names...),
		Since:     req.Since,
	}
	if len(deviceSet) == 0 {
		if visible := principal.VisibleDevices(); visible != nil {
			sub.Visible = subscription.Set(visible)
		}
	}

	id := s.index.Add(sub)
	span.SetAttributes(attribute.String("subscription.id", id), attribute.Int("subscription.devices", len(deviceSet)))
	s.logState(sessionID, log.StateEntitySubscription, "", "ACTIVE", "subscribe", []string{id})

	if !req.Since.IsZero() {
		if err := s.catchUp(ctx, sub); err != nil {
			// The subscription stays; live delivery is unaffected.
			s.logger.Warn("Catch-up failed", "session_id", sessionID, "subscription_id", id, "error", err)
		}
	}
	return id, nil
}

// catchUp queues stored notifications matching sub that are newer than
// sub.Since.
func (s *Service) catchUp(ctx context.Context, sub *subscription.Subscription) error {
	ctx, span := s.tracer.Start(ctx, "Service.CatchUp")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.config.CatchUpTimeout)
	defer cancel()

	q := store.Query{
		DeviceIDs: sub.Devices.Slice(),
		Names:     sub.Names.Slice(),
		Since:     sub.Since,
		Limit:     s.config.CatchUpLimit,
	}
	if sub.IsGlobal() && sub.Visible != nil {
		if len(sub.Visible) == 0 {
			return nil
		}
		q.DeviceIDs = sub.Visible.Slice()
	}

	found, err := s.store.QueryMatching(ctx, q)
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("catch-up query: %w", err)
	}

	queued := 0
	for i := range found {
		n := &found[i]
		if !sub.Matches(n.DeviceID, n.Name) {
			continue
		}
		err := s.dispatcher.Submit(dispatch.Task{
			SessionID:      sub.SessionID,
			SubscriptionID: sub.ID,
			Notification:   n,
		})
		if err != nil {
			return err
		}
		queued++
	}
	span.SetAttributes(attribute.Int("catchup.count", queued))
	metrics.CatchUp(queued)
	return nil
}

// Unsubscribe removes subscriptions of sessionID. Unknown subscriptions
// and subscriptions of other sessions are ignored.
func (s *Service) Unsubscribe(ctx context.Context, sessionID string, req UnsubscribeRequest) error {
	_, span := s.tracer.Start(ctx, "Service.Unsubscribe")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	var removed []string
	switch {
	case req.SubscriptionID != "":
		if sub, ok := s.index.Get(req.SubscriptionID); ok && sub.SessionID == sessionID {
			if s.index.RemoveByID(req.SubscriptionID) {
				removed = []string{req.SubscriptionID}
			}
		}
	default:
		// An empty device list removes everything the session holds.
		removed = s.index.RemoveByDevicesAndSession(sessionID, req.DeviceIDs)
	}

	span.SetAttributes(attribute.Int("subscription.removed", len(removed)))
	if len(removed) > 0 {
		s.logState(sessionID, log.StateEntitySubscription, "ACTIVE", "REMOVED", "unsubscribe", removed)
	}
	return nil
}

// OnDisconnect releases the session's connection and subscriptions. It is
// idempotent.
func (s *Service) OnDisconnect(sessionID string) {
	connected := s.conns.Remove(sessionID)
	s.registry.Remove(sessionID)
	removed := s.index.RemoveAllForSession(sessionID)

	if connected || len(removed) > 0 {
		s.logger.Debug("Session closed", "session_id", sessionID, "subscriptions", len(removed))
		s.logState(sessionID, log.StateEntitySession, "OPEN", "CLOSED", "disconnect", removed)
	}
}

// OnTransportError is called by the registry after a connection was force
// closed. The session is cleaned up like a disconnect.
func (s *Service) OnTransportError(sessionID string, cause error) {
	s.protoLog.Log(log.Event{
		Timestamp: s.now(),
		SessionID: sessionID,
		Layer:     log.LayerTransport,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerTransport,
			Message: cause.Error(),
			Context: "send",
		},
	})
	s.OnDisconnect(sessionID)
}

// sweepSession drops subscriptions left behind by a session that is no
// longer registered.
func (s *Service) sweepSession(sessionID string) {
	if _, err := s.registry.Get(sessionID); err == nil {
		return
	}
	if removed := s.index.RemoveAllForSession(sessionID); len(removed) > 0 {
		s.logger.Debug("Removed orphaned subscriptions", "session_id", sessionID, "count", len(removed))
	}
}

// Ingest matches a stored notification against the index and queues one
// push per matching subscription. It does not wait for delivery.
func (s *Service) Ingest(n *model.Notification) int {
	subs := s.index.Match(n.DeviceID, n.Name)
	metrics.Ingested(len(subs))
	if len(subs) == 0 {
		return 0
	}
	if err := s.dispatcher.Dispatch(n, subs); err != nil {
		s.logger.Warn("Dropped notification", "notification_id", n.ID, "error", err)
	}
	return len(subs)
}

// InsertNotification authorizes, persists and ingests a notification. An
// empty deviceID means the principal's own device.
func (s *Service) InsertNotification(ctx context.Context, principal *auth.Principal, deviceID, name string, payload map[string]any) (*model.Notification, error) {
	ctx, span := s.tracer.Start(ctx, "Service.InsertNotification")
	defer span.End()

	if principal == nil {
		return nil, auth.ErrUnauthenticated
	}
	if name == "" {
		err := fmt.Errorf("%w: notification is required", ErrValidation)
		recordError(span, err)
		return nil, err
	}
	if deviceID == "" {
		deviceID = principal.DeviceID
	}
	if deviceID == "" {
		err := fmt.Errorf("%w: device id is required", auth.ErrNotAuthorized)
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("device.id", deviceID), attribute.String("notification.name", name))

	device, err := s.lookupDevice(ctx, deviceID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if err := principal.Authorize(auth.ActionCreateDeviceNotification, device); err != nil {
		recordError(span, err)
		return nil, err
	}
	if !device.HasNetwork() {
		err := fmt.Errorf("%w: %s", ErrDeviceUnavailable, deviceID)
		recordError(span, err)
		return nil, err
	}

	n := &model.Notification{DeviceID: deviceID, Name: name, Payload: payload}
	if err := n.Validate(); err != nil {
		err = fmt.Errorf("%w: %v", ErrValidation, err)
		recordError(span, err)
		return nil, err
	}
	if err := s.store.Insert(ctx, n); err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("store notification: %w", err)
	}

	matched := s.Ingest(n)
	span.SetAttributes(attribute.Int64("notification.id", n.ID), attribute.Int("notification.matched", matched))
	return n, nil
}

// Poll returns stored notifications of a device the principal may read.
func (s *Service) Poll(ctx context.Context, principal *auth.Principal, deviceID string, names []string, since time.Time, limit int) ([]model.Notification, error) {
	if err := s.authorizeDevice(ctx, principal, auth.ActionGetDeviceNotification, deviceID); err != nil {
		return nil, err
	}
	return s.store.QueryMatching(ctx, store.Query{
		DeviceIDs: []string{deviceID},
		Names:     names,
		Since:     since,
		Limit:     limit,
	})
}

func (s *Service) lookupDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	device, err := s.directory.GetDevice(ctx, deviceID)
	if errors.Is(err, auth.ErrDeviceNotFound) {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device: %w", err)
	}
	return device, nil
}

func (s *Service) authorizeDevice(ctx context.Context, principal *auth.Principal, action auth.Action, deviceID string) error {
	if principal == nil {
		return auth.ErrUnauthenticated
	}
	device, err := s.lookupDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	return principal.Authorize(action, device)
}

// encodePush builds a push in the codec of the target session.
func (s *Service) encodePush(task dispatch.Task) ([]byte, error) {
	state := s.conns.Get(task.SessionID)
	if state == nil {
		return nil, session.ErrNotFound
	}
	msg, err := wire.EncodePush(state.codec, wire.NewPush(task.SubscriptionID, task.Notification))
	if err != nil {
		return nil, err
	}
	s.protoLog.Log(log.Event{
		Timestamp: s.now(),
		SessionID: task.SessionID,
		Direction: log.DirectionOut,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		Transport: state.transport,
		DeviceID:  task.Notification.DeviceID,
		Message: &log.MessageEvent{
			Type:           log.MessageTypePush,
			Action:         wire.ActionInsert,
			SubscriptionID: task.SubscriptionID,
			NotificationID: task.Notification.ID,
		},
	})
	return msg, nil
}

func (s *Service) logState(sessionID string, entity log.StateEntity, from, to, reason string, ids []string) {
	s.protoLog.Log(log.Event{
		Timestamp: s.now(),
		SessionID: sessionID,
		Layer:     log.LayerService,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:          entity,
			OldState:        from,
			NewState:        to,
			Reason:          reason,
			SubscriptionIDs: ids,
		},
	})
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
