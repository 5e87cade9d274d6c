package auth

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Action is a permission-checked operation.
type Action string

// Actions checked by the hub.
const (
	ActionGetDeviceNotification    Action = "GET_DEVICE_NOTIFICATION"
	ActionCreateDeviceNotification Action = "CREATE_DEVICE_NOTIFICATION"
	ActionGetDevice                Action = "GET_DEVICE"
)

var knownActions = map[Action]struct{}{
	ActionGetDeviceNotification:    {},
	ActionCreateDeviceNotification: {},
	ActionGetDevice:                {},
}

// Permission grants actions on devices, optionally restricted to client
// subnets and origin domains. A nil set means unrestricted.
type Permission struct {
	Actions    map[Action]struct{}
	DeviceIDs  map[string]struct{}
	NetworkIDs map[int64]struct{}
	Subnets    []netip.Prefix
	Domains    []string
}

// permissionDoc is the stored form of a Permission.
type permissionDoc struct {
	Actions    []string `json:"actions,omitempty" yaml:"actions,omitempty"`
	DeviceIDs  []string `json:"deviceIds,omitempty" yaml:"device_ids,omitempty"`
	NetworkIDs []int64  `json:"networkIds,omitempty" yaml:"network_ids,omitempty"`
	Subnets    []string `json:"subnets,omitempty" yaml:"subnets,omitempty"`
	Domains    []string `json:"domains,omitempty" yaml:"domains,omitempty"`
}

func (p *Permission) fromDoc(doc permissionDoc) error {
	*p = Permission{}

	if doc.Actions != nil {
		p.Actions = make(map[Action]struct{}, len(doc.Actions))
		for _, a := range doc.Actions {
			action := Action(strings.ToUpper(a))
			if _, ok := knownActions[action]; !ok {
				return fmt.Errorf("unknown action %q", a)
			}
			p.Actions[action] = struct{}{}
		}
	}
	if doc.DeviceIDs != nil {
		p.DeviceIDs = make(map[string]struct{}, len(doc.DeviceIDs))
		for _, id := range doc.DeviceIDs {
			if id == "" {
				return fmt.Errorf("empty device id")
			}
			p.DeviceIDs[id] = struct{}{}
		}
	}
	if doc.NetworkIDs != nil {
		p.NetworkIDs = make(map[int64]struct{}, len(doc.NetworkIDs))
		for _, id := range doc.NetworkIDs {
			p.NetworkIDs[id] = struct{}{}
		}
	}
	for _, s := range doc.Subnets {
		prefix, err := parseSubnet(s)
		if err != nil {
			return err
		}
		p.Subnets = append(p.Subnets, prefix)
	}
	for _, d := range doc.Domains {
		p.Domains = append(p.Domains, strings.ToLower(d))
	}
	return nil
}

func (p Permission) toDoc() permissionDoc {
	var doc permissionDoc
	if p.Actions != nil {
		doc.Actions = make([]string, 0, len(p.Actions))
		for a := range p.Actions {
			doc.Actions = append(doc.Actions, string(a))
		}
		slices.Sort(doc.Actions)
	}
	if p.DeviceIDs != nil {
		doc.DeviceIDs = make([]string, 0, len(p.DeviceIDs))
		for id := range p.DeviceIDs {
			doc.DeviceIDs = append(doc.DeviceIDs, id)
		}
		slices.Sort(doc.DeviceIDs)
	}
	if p.NetworkIDs != nil {
		doc.NetworkIDs = make([]int64, 0, len(p.NetworkIDs))
		for id := range p.NetworkIDs {
			doc.NetworkIDs = append(doc.NetworkIDs, id)
		}
		slices.Sort(doc.NetworkIDs)
	}
	for _, s := range p.Subnets {
		doc.Subnets = append(doc.Subnets, s.String())
	}
	doc.Domains = p.Domains
	return doc
}

// parseSubnet accepts a CIDR prefix or a single address.
func parseSubnet(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid subnet %q: %w", s, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid subnet %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// UnmarshalYAML decodes and validates a permission.
func (p *Permission) UnmarshalYAML(value *yaml.Node) error {
	var doc permissionDoc
	if err := value.Decode(&doc); err != nil {
		return err
	}
	return p.fromDoc(doc)
}

// MarshalYAML encodes the permission in its stored form.
func (p Permission) MarshalYAML() (any, error) {
	return p.toDoc(), nil
}

// UnmarshalJSON decodes and validates a permission.
func (p *Permission) UnmarshalJSON(data []byte) error {
	var doc permissionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return p.fromDoc(doc)
}

// MarshalJSON encodes the permission in its stored form.
func (p Permission) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.toDoc())
}

// Allows reports whether the permission grants action.
func (p *Permission) Allows(action Action) bool {
	if p.Actions == nil {
		return true
	}
	_, ok := p.Actions[action]
	return ok
}

// CoversDevice reports whether the permission includes the device.
func (p *Permission) CoversDevice(deviceID string, networkID *int64) bool {
	if p.DeviceIDs != nil {
		if _, ok := p.DeviceIDs[deviceID]; !ok {
			return false
		}
	}
	if p.NetworkIDs != nil {
		if networkID == nil {
			return false
		}
		if _, ok := p.NetworkIDs[*networkID]; !ok {
			return false
		}
	}
	return true
}

// AppliesTo reports whether the permission may be used from addr with the
// given origin. An empty origin skips the domain check.
func (p *Permission) AppliesTo(addr netip.Addr, origin string) bool {
	if len(p.Subnets) > 0 {
		if !addr.IsValid() {
			return false
		}
		addr = addr.Unmap()
		if !slices.ContainsFunc(p.Subnets, func(s netip.Prefix) bool { return s.Contains(addr) }) {
			return false
		}
	}
	if len(p.Domains) > 0 && origin != "" {
		host := strings.ToLower(origin)
		if i := strings.Index(host, "://"); i >= 0 {
			host = host[i+3:]
		}
		if i := strings.IndexAny(host, ":/"); i >= 0 {
			host = host[:i]
		}
		matched := slices.ContainsFunc(p.Domains, func(d string) bool {
			return host == d || strings.HasSuffix(host, "."+d)
		})
		if !matched {
			return false
		}
	}
	return true
}
