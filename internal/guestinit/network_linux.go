//go:build linux

package guestinit

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"github.com/vishvananda/netlink"
)

// setupNetwork performs spec §4.7 step 3: probe for eth0, and if
// present and unconfigured, run a real DHCP client and apply the lease
// via netlink. Absence of eth0 is not an error — the session may have
// been started without networking.
//
// Replaces the teacher's setupNetwork, which reads a static IP/gateway
// from AEGIS_NET_IP/AEGIS_NET_GW env vars set by the host's gvproxy
// config, with an actual DISCOVER/OFFER/REQUEST/ACK exchange against
// the platform's virtio-net NAT DHCP server, and replaces its
// hand-rolled raw AF_NETLINK syscalls (netlink_linux.go) with
// github.com/vishvananda/netlink.
func setupNetwork() {
	if err := waitForInterface("eth0", 5*time.Second); err != nil {
		log.Printf("guestinit: %v, skipping network setup", err)
		return
	}

	link, err := netlink.LinkByName("eth0")
	if err != nil {
		log.Printf("guestinit: link eth0: %v", err)
		return
	}

	if hasIPv4Address(link) {
		log.Println("guestinit: eth0 already has an address, skipping DHCP")
		return
	}

	if err := netlink.LinkSetUp(link); err != nil {
		log.Printf("guestinit: link up eth0: %v", err)
		return
	}

	client, err := nclient4.New("eth0")
	if err != nil {
		log.Printf("guestinit: dhcp client: %v", err)
		return
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, ack, err := client.Request(ctx)
	if err != nil {
		log.Printf("guestinit: dhcp request: %v", err)
		return
	}

	mask := ack.SubnetMask()
	addr, err := netlink.ParseAddr(fmt.Sprintf("%s/%d", ack.YourIPAddr, maskSize(mask)))
	if err != nil {
		log.Printf("guestinit: parse lease address: %v", err)
		return
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		log.Printf("guestinit: add address: %v", err)
		return
	}

	routers := ack.Router()
	if len(routers) > 0 {
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Gw: routers[0]}
		if err := netlink.RouteAdd(route); err != nil {
			log.Printf("guestinit: add default route: %v", err)
		}
	}

	writeResolvConf(ack.DNS())
	log.Printf("guestinit: eth0 configured via dhcp: %s", addr)
}

func maskSize(mask net.IPMask) int {
	if mask == nil {
		return 24
	}
	ones, _ := mask.Size()
	if ones == 0 {
		return 24
	}
	return ones
}

func hasIPv4Address(link netlink.Link) bool {
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return false
	}
	return len(addrs) > 0
}

func waitForInterface(name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	path := "/sys/class/net/" + name
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("interface %s did not appear within %v", name, timeout)
}

func writeResolvConf(dns []net.IP) {
	if len(dns) == 0 {
		return
	}
	var content string
	for _, ip := range dns {
		content += "nameserver " + ip.String() + "\n"
	}
	if err := os.WriteFile("/etc/resolv.conf", []byte(content), 0644); err != nil {
		log.Printf("guestinit: write resolv.conf: %v", err)
	}
}
