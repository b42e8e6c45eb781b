package mdns

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fernwood-systems/mdns/internal/iface"
	"github.com/fernwood-systems/mdns/internal/platform"
	"github.com/fernwood-systems/mdns/internal/responder"
	"github.com/fernwood-systems/mdns/internal/wire"
)

// defaultTTL is the RFC 6762 §10 recommended TTL for most records; host
// address records conventionally use a shorter TTL (120s) so a stale
// mapping after a DHCP renumbering clears faster, per §10's guidance.
const (
	defaultTTL = 4500
	hostTTL    = 120
)

// AdvertiseOption configures Advertise.
type AdvertiseOption func(*advertiseConfig)

type advertiseConfig struct {
	interfaces   []net.Interface
	ttl          uint32
	sourceFilter bool
	rateLimit    bool
	rlThreshold  int
	rlCooldown   time.Duration
}

// WithInterfaces restricts advertising to the given interfaces instead
// of every usable interface on the host.
func WithInterfaces(ifaces ...net.Interface) AdvertiseOption {
	return func(c *advertiseConfig) { c.interfaces = ifaces }
}

// WithTTL overrides the default TTL (4500s) applied to SRV/TXT/PTR
// records (host address records always use the shorter 120s RFC 6762
// §10 guidance regardless of this option).
func WithTTL(ttl time.Duration) AdvertiseOption {
	return func(c *advertiseConfig) { c.ttl = uint32(ttl / time.Second) }
}

// WithSourceFiltering enables link-local source validation on every
// interface this advertisement binds.
func WithSourceFiltering() AdvertiseOption {
	return func(c *advertiseConfig) { c.sourceFilter = true }
}

// WithRateLimit enables per-source query-flood rate limiting on every
// interface this advertisement binds.
func WithRateLimit(threshold int, cooldown time.Duration) AdvertiseOption {
	return func(c *advertiseConfig) {
		c.rateLimit = true
		c.rlThreshold = threshold
		c.rlCooldown = cooldown
	}
}

// Advertisement is a running advertisement of one service instance,
// probed and announced independently on every bound interface.
type Advertisement struct {
	mu         sync.Mutex
	bindings   []binding
	instance   string
	serviceTyp ServiceType
}

type binding struct {
	in      *iface.Interface
	release func()
	r       *responder.Responder
}

// Advertise probes for and announces instance under serviceType (e.g.
// "_http._tcp") at host:port, with txt published as the instance's TXT
// record. It runs until Stop is called, defending the name against
// conflicts and renaming with a " (2)", " (3)", ... disambiguator if
// another host is already using it.
func Advertise(serviceType, instance, host string, port int, txt map[string]string, opts ...AdvertiseOption) (*Advertisement, error) {
	st, err := ParseServiceType(serviceType)
	if err != nil {
		return nil, err
	}
	if err := ValidateServiceInstanceName(instance); err != nil {
		return nil, err
	}
	if err := ValidatePort(port); err != nil {
		return nil, err
	}

	cfg := &advertiseConfig{ttl: defaultTTL}
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

	hostName := host + "."
	instanceName := instance + "." + st.String()
	serviceName := st.String()

	adv := &Advertisement{instance: instance, serviceTyp: *st}

	var ifaceOpts []iface.Option
	if cfg.sourceFilter {
		ifaceOpts = append(ifaceOpts, iface.WithSourceFiltering())
	}
	if cfg.rateLimit {
		ifaceOpts = append(ifaceOpts, iface.WithRateLimit(cfg.rlThreshold, cfg.rlCooldown))
	}

	for _, ifi := range ifaces {
		in, release, err := iface.Bind(ifi, ifaceOpts...)
		if err != nil {
			adv.Stop()
			return nil, err
		}

		addrs, _ := ifi.Addrs()
		records := buildRecords(hostName, instanceName, serviceName, port, txt, addrs, cfg.ttl)

		onRenamed := func(newName string) {
			adv.mu.Lock()
			adv.instance = stripServiceSuffix(newName, serviceName)
			adv.mu.Unlock()
		}
		r := responder.New(in, instanceName, records, onRenamed)
		r.Start()

		adv.mu.Lock()
		adv.bindings = append(adv.bindings, binding{in: in, release: release, r: r})
		adv.mu.Unlock()
	}

	return adv, nil
}

func buildRecords(hostName, instanceName, serviceName string, port int, txt map[string]string, addrs []net.Addr, ttl uint32) []*wire.Record {
	var records []*wire.Record

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			records = append(records, wire.NewARecord(hostName, ip4, hostTTL))
		} else if ipNet.IP.IsGlobalUnicast() || ipNet.IP.IsLinkLocalUnicast() {
			records = append(records, wire.NewAAAARecord(hostName, ipNet.IP, hostTTL))
		}
	}

	records = append(records, wire.NewSRVRecord(instanceName, hostName, port, ttl))

	pairs := make([]wire.TXTPair, 0, len(txt))
	for k, v := range txt {
		pairs = append(pairs, wire.TXTPair{Key: k, Value: []byte(v)})
	}
	records = append(records, wire.NewTXTRecord(instanceName, pairs, ttl))
	records = append(records, wire.NewPTRRecord(serviceName, instanceName, ttl))

	return records
}

func stripServiceSuffix(name, serviceName string) string {
	trimmed := name
	if len(trimmed) > len(serviceName)+1 {
		trimmed = trimmed[:len(trimmed)-len(serviceName)-1]
	}
	return trimmed
}

// Instance returns the service instance name currently in use (which
// may differ from the one passed to Advertise if a conflict forced a
// rename).
func (a *Advertisement) Instance() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instance
}

// Stop withdraws the service (sending goodbye packets) and releases
// every interface binding. Idempotent.
func (a *Advertisement) Stop() {
	a.mu.Lock()
	bindings := a.bindings
	a.bindings = nil
	a.mu.Unlock()

	for _, b := range bindings {
		b.r.Stop()
		b.release()
	}
}

// String implements fmt.Stringer for debug logging.
func (a *Advertisement) String() string {
	return fmt.Sprintf("Advertisement{instance: %q, type: %s}", a.Instance(), a.serviceTyp.String())
}
