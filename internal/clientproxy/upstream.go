package clientproxy

import (
	"fmt"
	"net"
	"strconv"

	"github.com/xiaoxiao-im/iosocks/internal/config"
)

// UpstreamServer is one resolved iosocks server isocks may tunnel through,
// paired with the PSK used to derive that server's session keys.
type UpstreamServer struct {
	IP   net.IP
	Port int
	PSK  []byte
}

// ResolveUpstreamServers resolves each configured server entry once at
// startup — mirroring isocks.c's main() calling getaddrinfo synchronously
// before the event loop starts, rather than the asynchronous resolution
// osocks performs per-connection (spec.md §4.6 is a server-side concern
// only; the client's upstream list is static for the life of the process).
func ResolveUpstreamServers(entries []config.ServerEntry) ([]UpstreamServer, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("clientproxy: no upstream servers configured")
	}
	servers := make([]UpstreamServer, 0, len(entries))
	for _, e := range entries {
		if e.Key == "" {
			return nil, fmt.Errorf("clientproxy: server %s:%s has no key", e.Address, e.Port)
		}
		addrs, err := net.LookupIP(e.Address)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("clientproxy: resolve %s: %w", e.Address, err)
		}
		port, err := strconv.Atoi(e.Port)
		if err != nil {
			return nil, fmt.Errorf("clientproxy: invalid port %q: %w", e.Port, err)
		}
		servers = append(servers, UpstreamServer{IP: addrs[0], Port: port, PSK: []byte(e.Key)})
	}
	return servers, nil
}
