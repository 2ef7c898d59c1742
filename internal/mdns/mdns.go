// Package mdns advertises receiver telemetry endpoints and browses for peers
// over DNS-SD.
package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service is the DNS-SD service type of the telemetry endpoint.
const Service = "_sdrsource._tcp"

const domain = "local."

// Host represents a discovered receiver.
type Host struct {
	Instance  string // Advertised name: "sdrsource airspyhf 3652d65d2a0c4a89"
	Hostname  string // DNS hostname: "shack.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// TXTValue returns the value of key=value in the TXT records.
func (h Host) TXTValue(key string) (string, bool) {
	for _, kv := range h.TXT {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == key {
			return v, true
		}
	}
	return "", false
}

// Advertisement describes what a receiver publishes.
type Advertisement struct {
	Instance string
	Port     int
	Driver   string
	Serial   string
	Session  string
}

func (a Advertisement) txt() []string {
	var out []string
	for _, kv := range [][2]string{{"driver", a.Driver}, {"serial", a.Serial}, {"session", a.Session}} {
		if kv[1] != "" {
			out = append(out, kv[0]+"="+kv[1])
		}
	}
	return out
}

// Advertise registers the service and keeps it registered until ctx is
// canceled.
func Advertise(ctx context.Context, ad Advertisement) error {
	if ad.Port <= 0 {
		return fmt.Errorf("advertise: invalid port %d", ad.Port)
	}
	if ad.Instance == "" {
		ad.Instance = "sdrsource"
	}
	server, err := zeroconf.Register(ad.Instance, Service, domain, ad.Port, ad.txt(), nil)
	if err != nil {
		return fmt.Errorf("register %s: %w", Service, err)
	}
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// Discover performs a blocking browse for receivers and returns cleaned,
// deduplicated host entries sorted by instance.
func Discover(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				h := hostFromEntry(e)
				resultMap[fmt.Sprintf("%s|%d", h.Hostname, h.Port)] = h
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
