package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// DefaultBrowseTimeout bounds Discover when the context has no deadline.
const DefaultBrowseTimeout = 3 * time.Second

// BrowserConfig configures browsing.
type BrowserConfig struct {
	// Interface restricts browsing to one network interface.
	Interface string
}

// browseFunc runs zeroconf.Browse; replaced in tests.
var browseFunc = func(ctx context.Context, service, domain string, entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error {
	return zeroconf.Browse(ctx, service, domain, entries, removed, opts...)
}

// Browse streams simulators as they are found. Entries for the same instance
// are merged and re-emitted when they carry new addresses. The channel closes
// when ctx is done.
func Browse(ctx context.Context, config BrowserConfig) (<-chan *Service, error) {
	entries := make(chan *zeroconf.ServiceEntry, 10)
	removed := make(chan *zeroconf.ServiceEntry, 10)

	var opts []zeroconf.ClientOption
	if config.Interface != "" {
		iface, err := net.InterfaceByName(config.Interface)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", config.Interface, err)
		}
		opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
	}

	out := make(chan *Service, 10)
	go func(removed <-chan *zeroconf.ServiceEntry) {
		defer close(out)
		seen := make(map[string]*Service)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if svc := merge(seen, entry); svc != nil {
					if !emit(ctx, out, svc) {
						return
					}
				}
			case entry, ok := <-removed:
				if !ok {
					removed = nil
					continue
				}
				if entry != nil {
					delete(seen, entry.Instance)
				}
			}
		}
	}(removed)

	go func(entries, removed chan *zeroconf.ServiceEntry) {
		_ = browseFunc(ctx, ServiceType, Domain, entries, removed, opts...)
	}(entries, removed)

	return out, nil
}

// Discover browses until ctx is done, or for DefaultBrowseTimeout when ctx
// has no deadline, and returns the simulators found sorted by instance.
func Discover(ctx context.Context, config BrowserConfig) ([]*Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultBrowseTimeout)
		defer cancel()
	}

	ch, err := Browse(ctx, config)
	if err != nil {
		return nil, err
	}

	byInstance := make(map[string]*Service)
	for svc := range ch {
		byInstance[svc.Instance] = svc
	}

	result := make([]*Service, 0, len(byInstance))
	for _, svc := range byInstance {
		result = append(result, svc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Instance < result[j].Instance })
	return result, nil
}

// merge folds entry into seen. It returns a copy of the aggregated service
// when it is new or gained addresses, nil otherwise.
func merge(seen map[string]*Service, entry *zeroconf.ServiceEntry) *Service {
	if entry == nil {
		return nil
	}
	svc := entryToService(entry)
	if svc == nil {
		return nil
	}

	existing, ok := seen[svc.Instance]
	if !ok {
		seen[svc.Instance] = svc
		cp := *svc
		return &cp
	}

	before := len(existing.Addresses)
	existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
	if len(existing.Addresses) == before {
		return nil
	}
	cp := *existing
	cp.Addresses = append([]string(nil), existing.Addresses...)
	return &cp
}

func emit(ctx context.Context, out chan<- *Service, svc *Service) bool {
	select {
	case out <- svc:
		return true
	case <-ctx.Done():
		return false
	}
}
