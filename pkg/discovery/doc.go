// Package discovery implements mDNS/DNS-SD discovery of bus simulators.
//
// A simulator advertises the service type _halsim._udp in the local domain.
// The instance name defaults to "halsim-<host>". TXT records:
//
//	buses=<n>   number of buses with at least one device
//	ver=1       wire protocol version
//
// Clients browse for the service and use the advertised port together with
// any of the advertised addresses as the remote endpoint of a device table
// entry.
package discovery
