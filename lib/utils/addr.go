/*
Copyright 2025 BYTEDz

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"net"
	"strings"

	"github.com/gravitational/trace"
)

// virtualInterfacePrefixes name interfaces that should never be advertised
// or included in certificate SANs: container bridges, VPN taps and the like.
var virtualInterfacePrefixes = []string{
	"tap", "tun", "docker", "veth", "vmnet", "vboxnet", "virbr", "br-", "zt", "utun",
}

// IsVirtualInterface reports whether the named interface is a known
// virtual adapter.
func IsVirtualInterface(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range virtualInterfacePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// LocalIPs enumerates non-loopback IPv4 addresses of physical interfaces
// that are up. Virtual adapters are filtered out.
func LocalIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if IsVirtualInterface(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() {
				continue
			}
			out = append(out, ip)
		}
	}
	return out, nil
}

// BroadcastAddrs returns the directed broadcast address of every eligible
// IPv4 interface, always including the limited broadcast address.
func BroadcastAddrs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	seen := map[string]bool{}
	out := []net.IP{net.IPv4bcast}
	seen[net.IPv4bcast.String()] = true
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		if IsVirtualInterface(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() {
				continue
			}
			bcast := make(net.IP, len(ip))
			mask := ipNet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			for i := range ip {
				bcast[i] = ip[i] | ^mask[i]
			}
			if !seen[bcast.String()] {
				seen[bcast.String()] = true
				out = append(out, bcast)
			}
		}
	}
	return out, nil
}

// ClientIP extracts the bare IP literal from an http RemoteAddr value.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
