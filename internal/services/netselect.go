package services

import (
	"net"
	"strings"
)

// Interface selection for the discovery beacon. The policy is deterministic
// given the same set of host interfaces: a multi-homed node announces the
// same address across restarts, which keeps its peer-directory identity
// stable.

type ifaceCandidate struct {
	Name string
	IP   net.IP
}

// Name-prefix priority table. Physical Ethernet and Wi-Fi outrank
// everything; virtual, VPN and container interfaces rank below generic
// unknowns so they are only ever picked as a last resort.
var ifaceNameScores = []struct {
	prefix string
	score  int
}{
	{"eth", 100},
	{"eno", 100},
	{"ens", 100},
	{"enp", 100},
	{"en", 90},
	{"wlan", 80},
	{"wlp", 80},
	{"wl", 80},
	{"wifi", 80},
	{"docker", -100},
	{"veth", -100},
	{"br-", -100},
	{"virbr", -100},
	{"vbox", -100},
	{"vmnet", -100},
	{"tun", -80},
	{"tap", -80},
	{"wg", -80},
	{"tailscale", -80},
	{"zt", -80},
}

func scoreInterfaceName(name string) int {
	lower := strings.ToLower(name)
	for _, entry := range ifaceNameScores {
		if strings.HasPrefix(lower, entry.prefix) {
			return entry.score
		}
	}
	return 0
}

func scoreAddress(ip net.IP) int {
	v4 := ip.To4()
	if v4 == nil {
		return -1000
	}
	if ip.IsLinkLocalUnicast() {
		return -500
	}
	switch {
	case v4[0] == 192 && v4[1] == 168:
		// The common LAN prefix for the store networks these nodes live on
		return 30
	case v4[0] == 10:
		return 20
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return 10
	}
	return 0
}

// selectCandidate picks the best announce address from the candidate set.
// Ties break by interface name, then by address string, so the result is a
// pure function of the input.
func selectCandidate(candidates []ifaceCandidate) (ifaceCandidate, bool) {
	best := ifaceCandidate{}
	bestScore := 0
	found := false

	for _, c := range candidates {
		if c.IP == nil || c.IP.To4() == nil {
			continue
		}
		score := scoreInterfaceName(c.Name) + scoreAddress(c.IP)
		if !found || score > bestScore ||
			(score == bestScore && c.Name < best.Name) ||
			(score == bestScore && c.Name == best.Name && c.IP.String() < best.IP.String()) {
			best = c
			bestScore = score
			found = true
		}
	}
	return best, found
}

// SelectAnnounceInterface returns the interface name and IPv4 address the
// beacon should announce. Loopback and down interfaces are never candidates.
func SelectAnnounceInterface() (string, net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", nil, err
	}

	var candidates []ifaceCandidate
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
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
			candidates = append(candidates, ifaceCandidate{Name: iface.Name, IP: ipNet.IP})
		}
	}

	best, found := selectCandidate(candidates)
	if !found {
		return "", nil, ErrNoUsableInterface
	}
	return best.Name, best.IP.To4(), nil
}

// ErrNoUsableInterface is returned when no up, non-loopback IPv4 interface exists
var ErrNoUsableInterface = net.UnknownNetworkError("no usable network interface for discovery")
