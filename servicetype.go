package mdns

import (
	"strings"

	"github.com/fernwood-systems/mdns/internal/errors"
)

// ServiceType is a parsed DNS-SD service type per RFC 6763 §4.1: an
// application protocol label, a transport ("tcp" or "udp"), and the
// browsing domain (almost always "local").
type ServiceType struct {
	Name   string // e.g. "http" (without the leading underscore)
	Proto  string // "tcp" or "udp"
	Domain string // e.g. "local"
}

// String renders the service type back to its DNS-SD wire form, e.g.
// "_http._tcp.local.".
func (s ServiceType) String() string {
	return "_" + s.Name + "._" + s.Proto + "." + s.Domain + "."
}

// ParseServiceType parses strings like "_http._tcp", "_http._tcp.local",
// or "_http._tcp.local." into a ServiceType, defaulting Domain to
// "local" when omitted.
func ParseServiceType(s string) (*ServiceType, error) {
	trimmed := strings.TrimSuffix(s, ".")
	labels := strings.Split(trimmed, ".")
	if len(labels) < 2 {
		return nil, &errors.ValidationError{Field: "serviceType", Value: s, Message: "expected at least _service._proto"}
	}

	name := strings.TrimPrefix(labels[0], "_")
	if name == labels[0] {
		return nil, &errors.ValidationError{Field: "serviceType", Value: s, Message: "service label must start with '_'"}
	}
	proto := strings.TrimPrefix(labels[1], "_")
	if proto == labels[1] || (proto != "tcp" && proto != "udp") {
		return nil, &errors.ValidationError{Field: "serviceType", Value: s, Message: "protocol label must be '_tcp' or '_udp'"}
	}

	domain := "local"
	if len(labels) > 2 {
		domain = strings.Join(labels[2:], ".")
	}

	return &ServiceType{Name: name, Proto: proto, Domain: domain}, nil
}
