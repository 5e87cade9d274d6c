package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/devicehive/notifyhub/pkg/model"
)

// Auth errors.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotAuthorized   = errors.New("not authorized")
)

// Role is the kind of principal.
type Role string

// Principal roles.
const (
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
	RoleDevice Role = "device"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleClient, RoleDevice:
		return true
	}
	return false
}

// DeviceDirectory resolves devices for authorization.
type DeviceDirectory interface {
	// GetDevice returns the device or an error wrapping ErrDeviceNotFound.
	GetDevice(ctx context.Context, id string) (*model.Device, error)

	// DevicesInNetworks returns the IDs of all devices in the networks.
	DevicesInNetworks(ctx context.Context, networkIDs []int64) ([]string, error)
}

// ErrDeviceNotFound is returned by a DeviceDirectory for unknown devices.
var ErrDeviceNotFound = errors.New("device not found")

// Principal is an authenticated caller with the permissions that applied at
// authentication time.
type Principal struct {
	// KeyID identifies the access key.
	KeyID string

	// Name is a display name.
	Name string

	// Role is the principal role.
	Role Role

	// DeviceID is set for device principals.
	DeviceID string

	permissions []Permission
	visible     map[string]struct{}
	restricted  bool
}

// NewPrincipal returns a principal with the given permissions. Admins
// ignore permissions entirely.
func NewPrincipal(keyID, name string, role Role, permissions []Permission) *Principal {
	return &Principal{
		KeyID:       keyID,
		Name:        name,
		Role:        role,
		permissions: permissions,
	}
}

// IsAdmin reports whether the principal bypasses permission checks.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// HasAction reports whether any permission grants action.
func (p *Principal) HasAction(action Action) bool {
	if p == nil {
		return false
	}
	if p.IsAdmin() {
		return true
	}
	for i := range p.permissions {
		if p.permissions[i].Allows(action) {
			return true
		}
	}
	return false
}

// Authorize checks that the principal may perform action on device. A
// device principal may always act on itself.
func (p *Principal) Authorize(action Action, device *model.Device) error {
	if p == nil {
		return ErrUnauthenticated
	}
	if p.IsAdmin() {
		return nil
	}
	if device == nil {
		if p.HasAction(action) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotAuthorized, action)
	}
	if p.Role == RoleDevice && p.DeviceID == device.ID {
		return nil
	}
	for i := range p.permissions {
		perm := &p.permissions[i]
		if perm.Allows(action) && perm.CoversDevice(device.ID, device.NetworkID) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s on device %s", ErrNotAuthorized, action, device.ID)
}

// VisibleDevices returns the devices the principal may observe through
// subscriptions without a device list. Nil means all devices.
func (p *Principal) VisibleDevices() map[string]struct{} {
	if p == nil || !p.restricted {
		return nil
	}
	return p.visible
}

// resolveVisible computes the visible device set from the permissions that
// grant notification reads.
func (p *Principal) resolveVisible(ctx context.Context, dir DeviceDirectory) error {
	p.visible = nil
	p.restricted = false
	if p.IsAdmin() {
		return nil
	}

	visible := make(map[string]struct{})
	if p.Role == RoleDevice && p.DeviceID != "" {
		visible[p.DeviceID] = struct{}{}
	}

	for i := range p.permissions {
		perm := &p.permissions[i]
		if !perm.Allows(ActionGetDeviceNotification) {
			continue
		}
		if perm.DeviceIDs == nil && perm.NetworkIDs == nil {
			// Unrestricted grant.
			return nil
		}
		var fromNetworks map[string]struct{}
		if perm.NetworkIDs != nil {
			ids := make([]int64, 0, len(perm.NetworkIDs))
			for id := range perm.NetworkIDs {
				ids = append(ids, id)
			}
			if dir == nil {
				return fmt.Errorf("resolve networks: no device directory")
			}
			devices, err := dir.DevicesInNetworks(ctx, ids)
			if err != nil {
				return fmt.Errorf("resolve networks: %w", err)
			}
			fromNetworks = make(map[string]struct{}, len(devices))
			for _, id := range devices {
				fromNetworks[id] = struct{}{}
			}
		}
		switch {
		case perm.DeviceIDs != nil && fromNetworks != nil:
			for id := range perm.DeviceIDs {
				if _, ok := fromNetworks[id]; ok {
					visible[id] = struct{}{}
				}
			}
		case perm.DeviceIDs != nil:
			for id := range perm.DeviceIDs {
				visible[id] = struct{}{}
			}
		default:
			for id := range fromNetworks {
				visible[id] = struct{}{}
			}
		}
	}

	p.visible = visible
	p.restricted = true
	return nil
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
