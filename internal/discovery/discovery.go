package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/etx-iot/etx/internal/logger"
)

// Device is one discovery reply, augmented with the sender address under
// "from". Devices answer with at least {ip, mac, model, port}.
type Device map[string]any

// Options controls one discovery sweep.
type Options struct {
	Port       int
	Magic      string
	Attempts   int
	Gap        time.Duration
	Timeout    time.Duration
	Broadcasts []string // explicit targets; interface broadcasts are added
}

// Discover sends the magic probe to every broadcast target and collects JSON
// replies until the timeout. Replies are deduplicated by (ip, mac, model,
// port). The returned target list is what was actually probed.
func Discover(ctx context.Context, o Options) ([]Device, []string, error) {
	targets := BroadcastAddrs(o.Broadcasts)

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, targets, fmt.Errorf("discovery socket: %w", err)
	}
	conn := pc.(*net.UDPConn)
	defer conn.Close()

	attempts := o.Attempts
	if attempts < 1 {
		attempts = 1
	}
	probe := []byte(o.Magic)
	for i := 0; i < attempts; i++ {
		for _, target := range targets {
			dst, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", target, o.Port))
			if err != nil {
				continue
			}
			if _, err := conn.WriteToUDP(probe, dst); err != nil {
				logger.Debug("discovery probe failed", "target", target, "err", err)
			}
		}
		if o.Gap > 0 && i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, targets, ctx.Err()
			case <-time.After(o.Gap):
			}
		}
	}

	deadline := time.Now().Add(o.Timeout)
	seen := make(map[string]bool)
	var results []Device
	buf := make([]byte, 2048)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(remaining))
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			break
		}
		if n == 0 {
			continue
		}
		dev := parseReply(buf[:n], addr)
		if dev == nil {
			continue
		}
		sig := fmt.Sprintf("%v|%v|%v|%v", dev["ip"], dev["mac"], dev["model"], dev["port"])
		if seen[sig] {
			continue
		}
		seen[sig] = true
		results = append(results, dev)
	}
	return results, targets, nil
}

func parseReply(data []byte, addr netip.AddrPort) Device {
	var dev Device
	if err := json.Unmarshal(data, &dev); err != nil {
		return nil
	}
	dev["from"] = addr.Addr().String()
	return dev
}

// BroadcastAddrs builds the de-duplicated probe target list: the explicit
// extras, then per-interface IPv4 broadcast addresses, then the limited
// broadcast address.
func BroadcastAddrs(extra []string) []string {
	var addrs []string
	for _, raw := range extra {
		if ip := net.ParseIP(raw); ip != nil {
			addrs = append(addrs, ip.String())
		}
	}

	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			ifAddrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, a := range ifAddrs {
				ipnet, ok := a.(*net.IPNet)
				if !ok {
					continue
				}
				ip4 := ipnet.IP.To4()
				if ip4 == nil {
					continue
				}
				mask := ipnet.Mask
				if len(mask) != 4 {
					continue
				}
				bcast := make(net.IP, 4)
				for i := 0; i < 4; i++ {
					bcast[i] = ip4[i] | ^mask[i]
				}
				addrs = append(addrs, bcast.String())
			}
		}
	}

	addrs = append(addrs, "255.255.255.255")

	seen := make(map[string]bool)
	var unique []string
	for _, a := range addrs {
		if a == "" || a == "0.0.0.0" || seen[a] {
			continue
		}
		seen[a] = true
		unique = append(unique, a)
	}
	return unique
}

// MatchDN returns the IP of the discovery reply whose MAC matches dnHex, or
// falls back to a single-result sweep. Empty when nothing matches.
func MatchDN(dnHex string, devices []Device) string {
	norm := func(v any) string {
		s, _ := v.(string)
		out := make([]byte, 0, len(s))
		for i := 0; i < len(s); i++ {
			c := s[i]
			switch {
			case c >= 'a' && c <= 'f':
				c -= 'a' - 'A'
			case c == ':' || c == '-' || c == ' ':
				continue
			}
			out = append(out, c)
		}
		return string(out)
	}
	if dnHex != "" {
		for _, dev := range devices {
			for _, key := range []string{"dn", "mac", "device_code"} {
				if norm(dev[key]) == dnHex {
					if ip, _ := dev["ip"].(string); ip != "" {
						return ip
					}
					if from, _ := dev["from"].(string); from != "" {
						return from
					}
				}
			}
		}
	}
	if len(devices) == 1 {
		if ip, _ := devices[0]["ip"].(string); ip != "" {
			return ip
		}
		if from, _ := devices[0]["from"].(string); from != "" {
			return from
		}
	}
	return ""
}
