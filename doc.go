// Package mdns is a pure-userland implementation of Multicast DNS
// (RFC 6762) and DNS-Based Service Discovery (RFC 6763).
//
// It provides three capabilities: advertising a local service so peers
// can discover it (Advertise), continuously browsing a service type to
// learn what instances exist (Browse), and one-shot resolution of a
// single record or service (Lookup, ResolveService). It coexists with
// any OS-resident mDNS responder on the same host by sharing the
// multicast group. Its one-shot queries go out from the same shared
// port-5353 socket as everything else, so they are not RFC 6762 §6.7
// "legacy" queries.
package mdns
