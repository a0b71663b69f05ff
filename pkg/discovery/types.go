package discovery

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/enbility/zeroconf/v3"
)

// Service identification.
const (
	ServiceType = "_halsim._udp"
	Domain      = "local."

	// ProtocolVersion is advertised in the ver TXT record.
	ProtocolVersion = 1

	// MaxInstanceNameLen is the DNS label limit for instance names.
	MaxInstanceNameLen = 63
)

// TXT record keys.
const (
	TXTKeyBuses   = "buses"
	TXTKeyVersion = "ver"
)

var (
	ErrMissingRequired = errors.New("missing required TXT record")
	ErrInvalidTXT      = errors.New("invalid TXT record")
	ErrInvalidInstance = errors.New("invalid instance name")
)

// Info describes an advertised simulator.
type Info struct {
	Instance string
	Port     int
	Buses    int
}

// Service is a discovered simulator.
type Service struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	Buses     int
	Version   int
}

// Addr returns host:port for the first address, or for Host when no address
// was resolved.
func (s *Service) Addr() string {
	host := strings.TrimSuffix(s.Host, ".")
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeTXT builds the TXT records for info.
func EncodeTXT(info Info) TXTRecordMap {
	return TXTRecordMap{
		TXTKeyBuses:   strconv.Itoa(info.Buses),
		TXTKeyVersion: strconv.Itoa(ProtocolVersion),
	}
}

// DecodeTXT parses the buses and version records.
func DecodeTXT(txt TXTRecordMap) (buses, version int, err error) {
	b, ok := txt[TXTKeyBuses]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyBuses)
	}
	buses, err = strconv.Atoi(b)
	if err != nil || buses < 0 {
		return 0, 0, fmt.Errorf("%w: %s=%q", ErrInvalidTXT, TXTKeyBuses, b)
	}
	v, ok := txt[TXTKeyVersion]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}
	version, err = strconv.Atoi(v)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s=%q", ErrInvalidTXT, TXTKeyVersion, v)
	}
	return buses, version, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, _ := strings.Cut(s, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}

// ValidateInstanceName checks that name fits one DNS label.
func ValidateInstanceName(name string) error {
	if name == "" || len(name) > MaxInstanceNameLen {
		return fmt.Errorf("%w: %q", ErrInvalidInstance, name)
	}
	return nil
}

// entryToService converts a zeroconf entry. It returns nil for entries
// without valid TXT records.
func entryToService(entry *zeroconf.ServiceEntry) *Service {
	buses, version, err := DecodeTXT(StringsToTXTRecords(entry.Text))
	if err != nil {
		return nil
	}

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	return &Service{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: addrs,
		Buses:     buses,
		Version:   version,
	}
}

func mergeAddresses(existing, add []string) []string {
	for _, a := range add {
		found := false
		for _, e := range existing {
			if e == a {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, a)
		}
	}
	return existing
}
