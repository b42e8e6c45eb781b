package mdns

import (
	"net"
	"sync"

	"github.com/fernwood-systems/mdns/internal/iface"
	"github.com/fernwood-systems/mdns/internal/platform"
	"github.com/fernwood-systems/mdns/internal/query"
	"github.com/fernwood-systems/mdns/internal/resolver"
	"github.com/fernwood-systems/mdns/internal/wire"
)

// BrowseEvent is delivered to a Browser's callback for each instance
// seen. When the browse was started with resolve:false, Service is
// always nil and only Name is populated — never a bare string, so a
// caller can range over BrowseEvent.Name uniformly regardless of mode
// instead of type-switching on the payload shape.
type BrowseEvent struct {
	Name    string
	Service *resolver.Service
	Down    bool
}

// BrowseOption configures Browse.
type BrowseOption func(*browseConfig)

type browseConfig struct {
	interfaces []net.Interface
}

// WithBrowseInterfaces restricts browsing to the given interfaces.
func WithBrowseInterfaces(ifaces ...net.Interface) BrowseOption {
	return func(c *browseConfig) { c.interfaces = ifaces }
}

// Browser continuously discovers instances of one service type.
type Browser struct {
	mu        sync.Mutex
	bindings  []browseBinding
	resolvers map[string]*resolver.Resolver
}

type browseBinding struct {
	in      *iface.Interface
	release func()
	q       *query.Query
}

// Browse starts continuous discovery of serviceType (e.g. "_http._tcp").
// If resolve is true, each discovered instance is additionally resolved
// (SRV+TXT+address) and onEvent is called again with the completed
// Service once available; if false, onEvent is called once per
// newly-seen instance with Service left nil.
func Browse(serviceType string, resolve bool, onEvent func(BrowseEvent), opts ...BrowseOption) (*Browser, error) {
	st, err := ParseServiceType(serviceType)
	if err != nil {
		return nil, err
	}

	cfg := &browseConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	ifaces := cfg.interfaces
	if len(ifaces) == 0 {
		ifaces, err = platform.Interfaces()
		if err != nil {
			return nil, err
		}
	}

	b := &Browser{resolvers: make(map[string]*resolver.Resolver)}
	seen := make(map[string]bool)
	var seenMu sync.Mutex

	for _, ifi := range ifaces {
		in, release, err := iface.Bind(ifi)
		if err != nil {
			b.Stop()
			return nil, err
		}

		onPTR := func(rec *wire.Record) {
			ptr, ok := rec.Data.(*wire.RDataPTR)
			if !ok {
				return
			}
			instance := ptr.Target

			seenMu.Lock()
			isNew := !seen[instance]
			seen[instance] = true
			seenMu.Unlock()
			if !isNew {
				return
			}

			if onEvent != nil {
				onEvent(BrowseEvent{Name: instance})
			}
			if !resolve {
				return
			}

			res := resolver.New(in, instance, func(svc *resolver.Service) {
				if onEvent != nil {
					onEvent(BrowseEvent{Name: instance, Service: svc})
				}
			}, func() {
				seenMu.Lock()
				delete(seen, instance)
				seenMu.Unlock()
				b.mu.Lock()
				delete(b.resolvers, instance)
				b.mu.Unlock()
				if onEvent != nil {
					onEvent(BrowseEvent{Name: instance, Down: true})
				}
			}, nil)
			b.mu.Lock()
			b.resolvers[instance] = res
			b.mu.Unlock()
			res.Start()
		}

		q := query.New(in, st.String(), wire.TypePTR, onPTR)
		q.Start()

		b.mu.Lock()
		b.bindings = append(b.bindings, browseBinding{in: in, release: release, q: q})
		b.mu.Unlock()
	}

	return b, nil
}

// Stop ends browsing, stopping every underlying query and resolver and
// releasing every interface binding. Idempotent.
func (b *Browser) Stop() {
	b.mu.Lock()
	bindings := b.bindings
	resolvers := b.resolvers
	b.bindings = nil
	b.resolvers = nil
	b.mu.Unlock()

	for _, r := range resolvers {
		r.Stop()
	}
	for _, bd := range bindings {
		bd.q.Stop()
		bd.release()
	}
}
