package plenticore

import (
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// Discover looks for an inverter on the local network via mDNS and
// returns its IPv4 address, or an empty string when none answered
// within the timeout. The device announces itself as an HTTP service
// with a "Kostal" instance name.
func Discover() (string, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	discovered := ""
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			if !strings.Contains(strings.ToLower(entry.Name), "kostal") &&
				!strings.Contains(strings.ToLower(entry.Name), "plenticore") {
				continue
			}
			if entry.AddrV4 != nil && discovered == "" {
				discovered = entry.AddrV4.String()
			}
		}
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:     "_http._tcp",
		Domain:      "local",
		Timeout:     2 * time.Second,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	<-done

	if err != nil {
		return "", err
	}
	return discovered, nil
}
