package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// Advertiser publishes a hub over mDNS.
type Advertiser struct {
	config AdvertiserConfig
	logger *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
	info   HubInfo
}

// NewAdvertiser creates an advertiser. A nil logger discards output.
func NewAdvertiser(config AdvertiserConfig, logger *slog.Logger) *Advertiser {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Advertiser{config: config, logger: logger.With("component", "discovery")}
}

// Advertise registers the hub. A second call replaces the previous
// registration.
func (a *Advertiser) Advertise(info HubInfo) error {
	if err := ValidateInstanceName(info.InstanceName); err != nil {
		return err
	}
	if info.Port() == 0 {
		return fmt.Errorf("%w: no port to advertise", ErrMissingRequired)
	}

	ifaces, err := a.interfaces()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	txt := TXTRecordsToStrings(EncodeHubTXT(&info))
	server, err := zeroconf.Register(info.InstanceName, ServiceType, Domain, info.Port(), txt, ifaces,
		zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	if err != nil {
		return fmt.Errorf("register %s: %w", info.InstanceName, err)
	}
	a.server = server
	a.info = info

	a.logger.Info("Advertising hub", "instance", info.InstanceName, "port", info.Port(), "tls", info.TLS)
	return nil
}

// Update replaces the TXT records of the current advertisement.
func (a *Advertiser) Update(info HubInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return ErrNotAdvertising
	}
	if info.InstanceName != a.info.InstanceName || info.Port() != a.info.Port() {
		return fmt.Errorf("%w: instance or port changed", ErrInvalidTXTRecord)
	}
	a.server.SetText(TXTRecordsToStrings(EncodeHubTXT(&info)))
	a.info = info
	return nil
}

// Advertising reports whether a registration is active.
func (a *Advertiser) Advertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.logger.Info("Stopped advertising", "instance", a.info.InstanceName)
	}
}

func (a *Advertiser) interfaces() ([]net.Interface, error) {
	return selectInterfaces(a.config.Interface)
}

func selectInterfaces(name string) ([]net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}
	return []net.Interface{*iface}, nil
}

// Browser finds hubs over mDNS.
type Browser struct {
	config BrowserConfig
	logger *slog.Logger
}

// NewBrowser creates a browser. A nil logger discards output.
func NewBrowser(config BrowserConfig, logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Browser{config: config, logger: logger.With("component", "discovery")}
}

// Browse reports hubs on the returned channel until ctx is done. A hub
// seen again on another interface is reported with its merged address
// list.
func (b *Browser) Browse(ctx context.Context) (<-chan *HubService, error) {
	ifaces, err := selectInterfaces(b.config.Interface)
	if err != nil {
		return nil, err
	}
	var opts []zeroconf.ClientOption
	if len(ifaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	removed := make(chan *zeroconf.ServiceEntry, 16)
	out := make(chan *HubService, 16)

	go func() {
		defer close(out)
		seen := make(map[string]*HubService)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				hub, err := hubFromEntry(entry)
				if err != nil {
					b.logger.Debug("Ignoring service", "instance", entry.Instance, "error", err)
					continue
				}
				if prev, ok := seen[hub.InstanceName]; ok {
					hub.Addresses = mergeAddresses(prev.Addresses, hub.Addresses)
				}
				seen[hub.InstanceName] = hub
				select {
				case out <- hub:
				case <-ctx.Done():
					return
				}
			case entry, ok := <-removed:
				if !ok {
					removed = nil
					continue
				}
				prev, found := seen[entry.Instance]
				if !found {
					continue
				}
				prev.Addresses = removeAddresses(prev.Addresses, entryAddresses(entry))
				if len(prev.Addresses) == 0 {
					delete(seen, entry.Instance)
				}
			}
		}
	}()

	go func() {
		if err := zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...); err != nil {
			b.logger.Warn("Browse failed", "error", err)
		}
	}()

	return out, nil
}

// FindFirst returns the first hub reported before ctx is done.
func (b *Browser) FindFirst(ctx context.Context) (*HubService, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hubs, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	select {
	case hub, ok := <-hubs:
		if !ok {
			return nil, ErrNotFound
		}
		return hub, nil
	case <-ctx.Done():
		return nil, ErrNotFound
	}
}

func hubFromEntry(entry *zeroconf.ServiceEntry) (*HubService, error) {
	return newHubService(entry.Instance, entry.HostName, StringsToTXTRecords(entry.Text), entryAddresses(entry))
}

func newHubService(instance, host string, txt TXTRecordMap, addrs []string) (*HubService, error) {
	info, err := DecodeHubTXT(txt)
	if err != nil {
		return nil, err
	}
	info.InstanceName = instance
	return &HubService{HubInfo: *info, Host: host, Addresses: addrs}, nil
}

func entryAddresses(entry *zeroconf.ServiceEntry) []string {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return addrs
}

// mergeAddresses appends the addresses of add that are not in base.
func mergeAddresses(base, add []string) []string {
	out := slices.Clone(base)
	for _, a := range add {
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

// removeAddresses returns base without the addresses of drop.
func removeAddresses(base, drop []string) []string {
	return slices.DeleteFunc(slices.Clone(base), func(a string) bool {
		return slices.Contains(drop, a)
	})
}
