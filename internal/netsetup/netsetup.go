// Package netsetup prepares host networking for the libvirt provider: a
// bridge carrying the environment network, IP forwarding, and optionally an
// isolated namespace for traffic capture tooling.
package netsetup

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// Config captures the parameters required to prepare the environment network.
type Config struct {
	// Bridge is the libvirt network's bridge device. When WaitForBridge is
	// set the device is expected to be created by libvirt and Prepare polls
	// for it; otherwise Prepare creates it.
	Bridge        string
	GatewayCIDR   string
	WaitForBridge bool

	// Namespace, when non-empty, names a network namespace to create and
	// connect to the bridge through a veth pair.
	Namespace     string
	VethHost      string
	VethNamespace string
	NamespaceCIDR string
}

// DefaultConfig describes the bridge the libvirt provider attaches
// environments to by default.
var DefaultConfig = Config{
	Bridge:        "br_cleanroom",
	GatewayCIDR:   "10.74.0.1/24",
	WaitForBridge: true,
}

// Prepare brings the host network into the state Config describes. It is
// idempotent: existing devices, addresses and namespaces are left alone.
func Prepare(cfg Config, logger *slog.Logger) error {
	if os.Geteuid() != 0 {
		return errors.New("network setup requires root")
	}

	gateway, err := netlink.ParseAddr(cfg.GatewayCIDR)
	if err != nil {
		return fmt.Errorf("parse gateway %q: %w", cfg.GatewayCIDR, err)
	}

	link, err := ensureBridge(cfg, logger)
	if err != nil {
		return err
	}
	if err := ensureAddress(link, gateway); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", cfg.Bridge, err)
	}

	logger.Debug("enabling ip forwarding")
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}

	if cfg.Namespace != "" {
		if err := ensureNamespace(cfg, logger); err != nil {
			return err
		}
	}
	return nil
}

func ensureBridge(cfg Config, logger *slog.Logger) (netlink.Link, error) {
	if cfg.WaitForBridge {
		logger.Info("waiting for bridge", "bridge", cfg.Bridge)
		var link netlink.Link
		var err error
		for i := 0; i < 20; i++ {
			link, err = netlink.LinkByName(cfg.Bridge)
			if err == nil {
				return link, nil
			}
			time.Sleep(250 * time.Millisecond)
		}
		return nil, fmt.Errorf("bridge %s not found: %w", cfg.Bridge, err)
	}

	link, err := netlink.LinkByName(cfg.Bridge)
	if err == nil {
		return link, nil
	}
	if !isLinkNotFound(err) {
		return nil, fmt.Errorf("lookup bridge %s: %w", cfg.Bridge, err)
	}
	logger.Info("creating bridge", "bridge", cfg.Bridge)
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: cfg.Bridge}}
	if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, syscall.EEXIST) {
		return nil, fmt.Errorf("create bridge %s: %w", cfg.Bridge, err)
	}
	link, err = netlink.LinkByName(cfg.Bridge)
	if err != nil {
		return nil, fmt.Errorf("lookup bridge %s: %w", cfg.Bridge, err)
	}
	return link, nil
}

func ensureNamespace(cfg Config, logger *slog.Logger) error {
	if cfg.VethHost == "" || cfg.VethNamespace == "" || cfg.NamespaceCIDR == "" {
		return errors.New("namespace requires veth names and an address")
	}
	nsAddr, err := netlink.ParseAddr(cfg.NamespaceCIDR)
	if err != nil {
		return fmt.Errorf("parse namespace address %q: %w", cfg.NamespaceCIDR, err)
	}

	logger.Info("configuring namespace", "namespace", cfg.Namespace)

	hostHandle, err := netlink.NewHandle()
	if err != nil {
		return fmt.Errorf("host netlink handle: %w", err)
	}
	defer hostHandle.Close()

	nsHandle, ns, err := ensureNetns(cfg.Namespace)
	if err != nil {
		return err
	}
	defer nsHandle.Close()
	defer ns.Close()

	hostLink, err := hostHandle.LinkByName(cfg.VethHost)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup %s: %w", cfg.VethHost, err)
		}
		veth := &netlink.Veth{
			LinkAttrs: netlink.LinkAttrs{Name: cfg.VethHost},
			PeerName:  cfg.VethNamespace,
		}
		if err := hostHandle.LinkAdd(veth); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create veth: %w", err)
		}
		hostLink, err = hostHandle.LinkByName(cfg.VethHost)
		if err != nil {
			return fmt.Errorf("lookup veth host: %w", err)
		}
	}

	if _, err := nsHandle.LinkByName(cfg.VethNamespace); err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup namespace peer: %w", err)
		}
		peer, err := hostHandle.LinkByName(cfg.VethNamespace)
		if err != nil {
			return fmt.Errorf("peer link %s: %w", cfg.VethNamespace, err)
		}
		if err := hostHandle.LinkSetNsFd(peer, int(ns)); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("move %s to namespace: %w", cfg.VethNamespace, err)
		}
	}

	bridge, err := hostHandle.LinkByName(cfg.Bridge)
	if err != nil {
		return fmt.Errorf("lookup bridge %s: %w", cfg.Bridge, err)
	}
	if err := hostHandle.LinkSetMaster(hostLink, bridge); err != nil && !errors.Is(err, syscall.EEXIST) && !errors.Is(err, syscall.EBUSY) {
		return fmt.Errorf("enslave %s to %s: %w", cfg.VethHost, cfg.Bridge, err)
	}
	if err := hostHandle.LinkSetUp(hostLink); err != nil {
		return fmt.Errorf("bring %s up: %w", cfg.VethHost, err)
	}

	return configureNamespaceLinks(nsHandle, cfg, nsAddr)
}

func ensureNetns(name string) (*netlink.Handle, netns.NsHandle, error) {
	ns, err := netns.GetFromName(name)
	if err != nil {
		if !errors.Is(err, syscall.ENOENT) {
			return nil, 0, fmt.Errorf("get netns %s: %w", name, err)
		}
		if ns, err = netns.NewNamed(name); err != nil {
			return nil, 0, fmt.Errorf("create netns %s: %w", name, err)
		}
	}
	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		_ = ns.Close()
		return nil, 0, fmt.Errorf("handle for netns %s: %w", name, err)
	}
	return handle, ns, nil
}

func configureNamespaceLinks(nsHandle *netlink.Handle, cfg Config, addr *netlink.Addr) error {
	if lo, err := nsHandle.LinkByName("lo"); err == nil {
		if err := nsHandle.LinkSetUp(lo); err != nil {
			return fmt.Errorf("bring lo up: %w", err)
		}
	}
	veth, err := nsHandle.LinkByName(cfg.VethNamespace)
	if err != nil {
		return fmt.Errorf("namespace veth %s: %w", cfg.VethNamespace, err)
	}
	if err := nsHandle.LinkSetUp(veth); err != nil {
		return fmt.Errorf("bring %s up: %w", cfg.VethNamespace, err)
	}
	if err := ensureHandleAddress(nsHandle, veth, addr); err != nil {
		return err
	}

	gateway, err := netlink.ParseAddr(cfg.GatewayCIDR)
	if err != nil {
		return fmt.Errorf("parse gateway %q: %w", cfg.GatewayCIDR, err)
	}
	if err := nsHandle.RouteReplace(&netlink.Route{
		LinkIndex: veth.Attrs().Index,
		Gw:        gateway.IP,
	}); err != nil {
		return fmt.Errorf("default route via %s: %w", gateway.IP, err)
	}
	return nil
}

func ensureAddress(link netlink.Link, addr *netlink.Addr) error {
	existing, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	if hasAddress(existing, addr) {
		return nil
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

func ensureHandleAddress(handle *netlink.Handle, link netlink.Link, addr *netlink.Addr) error {
	existing, err := handle.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	if hasAddress(existing, addr) {
		return nil
	}
	if err := handle.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("replace address: %w", err)
	}
	return nil
}

func hasAddress(existing []netlink.Addr, want *netlink.Addr) bool {
	for _, a := range existing {
		if a.IP.Equal(want.IP) && maskEqual(a.Mask, want.Mask) {
			return true
		}
	}
	return false
}

func maskEqual(a, b net.IPMask) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}
