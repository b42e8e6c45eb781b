package mdns

import (
	"sync"
	"time"

	"github.com/fernwood-systems/mdns/internal/errors"
	"github.com/fernwood-systems/mdns/internal/iface"
	"github.com/fernwood-systems/mdns/internal/platform"
	"github.com/fernwood-systems/mdns/internal/query"
	"github.com/fernwood-systems/mdns/internal/resolver"
	"github.com/fernwood-systems/mdns/internal/wire"
)

// Record types accepted by Lookup, re-exported from the wire codec so
// callers never need to import an internal package.
const (
	TypeA    = wire.TypeA
	TypeAAAA = wire.TypeAAAA
	TypePTR  = wire.TypePTR
	TypeSRV  = wire.TypeSRV
	TypeTXT  = wire.TypeTXT
)

// Lookup performs a single one-shot query for name/qtype on the
// multicast group and returns the first matching answer received within
// timeout. The query is sent from the interface's shared port-5353
// socket, not from an ephemeral port, so it is not a "legacy" query in
// the RFC 6762 §6.7 sense and responders answer it like any other query.
func Lookup(name string, qtype wire.RRType, timeout time.Duration, opts ...BrowseOption) (*wire.Record, error) {
	cfg := &browseConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	ifaces := cfg.interfaces
	if len(ifaces) == 0 {
		var err error
		ifaces, err = platform.Interfaces()
		if err != nil {
			return nil, err
		}
	}
	if len(ifaces) == 0 {
		return nil, &errors.NetworkError{Operation: "lookup", Err: errNoInterfaces}
	}

	result := make(chan *wire.Record, 1)
	var once sync.Once
	deliver := func(r *wire.Record) {
		once.Do(func() { result <- r })
	}

	var bindings []browseBinding
	defer func() {
		for _, b := range bindings {
			b.q.Stop()
			b.release()
		}
	}()

	for _, ifi := range ifaces {
		in, release, err := iface.Bind(ifi)
		if err != nil {
			continue
		}
		q := query.New(in, name, qtype, deliver)
		q.StartOneShot()
		bindings = append(bindings, browseBinding{in: in, release: release, q: q})
	}
	if len(bindings) == 0 {
		return nil, &errors.NetworkError{Operation: "lookup", Err: errNoInterfaces}
	}

	select {
	case r := <-result:
		return r, nil
	case <-time.After(timeout):
		return nil, &errors.NetworkError{Operation: "lookup", Err: errLookupTimeout}
	}
}

// ResolveService performs a one-shot resolution of a single service
// instance (SRV + TXT + addresses) and returns once a complete Service
// is assembled or timeout elapses, whichever comes first.
func ResolveService(instance string, timeout time.Duration, opts ...BrowseOption) (*resolver.Service, error) {
	cfg := &browseConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	ifaces := cfg.interfaces
	if len(ifaces) == 0 {
		var err error
		ifaces, err = platform.Interfaces()
		if err != nil {
			return nil, err
		}
	}

	result := make(chan *resolver.Service, 1)
	var once sync.Once
	deliver := func(svc *resolver.Service) {
		once.Do(func() { result <- svc })
	}

	var resolvers []*resolver.Resolver
	var bindings []func()
	defer func() {
		for _, r := range resolvers {
			r.Stop()
		}
		for _, release := range bindings {
			release()
		}
	}()

	for _, ifi := range ifaces {
		in, release, err := iface.Bind(ifi)
		if err != nil {
			continue
		}
		bindings = append(bindings, release)
		r := resolver.New(in, instance, deliver, nil, func() {})
		resolvers = append(resolvers, r)
		r.Start()
	}
	if len(resolvers) == 0 {
		return nil, &errors.NetworkError{Operation: "resolveService", Err: errNoInterfaces}
	}

	select {
	case svc := <-result:
		return svc, nil
	case <-time.After(timeout):
		return nil, &errors.NetworkError{Operation: "resolveService", Err: errLookupTimeout}
	}
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

const (
	errNoInterfaces  staticErr = "no usable network interfaces"
	errLookupTimeout staticErr = "lookup timed out"
)
