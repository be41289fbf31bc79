// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

//go:build linux

package bridge

import (
	"fmt"
	"net"
	"runtime"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	log "bridged/pkg/minilog"
)

// VethProvisioner attaches containers to the bridge. Each attachment is a
// veth pair: the `in<k>` end stays in the bridge namespace enslaved to the
// bridge device, the `out<k>` end moves into the container's namespace,
// where it is renamed and addressed.
type VethProvisioner struct {
	st  *State
	MTU int
}

// NewVethProvisioner returns a provisioner creating veths with the given
// MTU against st's bridge namespace.
func NewVethProvisioner(st *State, mtu int) *VethProvisioner {
	return &VethProvisioner{st: st, MTU: mtu}
}

// CreateVethToNS creates a veth pair inside the bridge namespace, enslaves
// the inner end to the bridge, moves the outer end into target, renames it
// to ifname, assigns ip, brings it up, and returns the ArpEntry recording
// the interface's address pair. The bridge namespace holds CAP_NET_ADMIN
// over both ends until the move, so driving netlink from inside it against
// the caller's namespace fd is the one sequence that needs no host
// privilege.
//
// On failure a ProvisionError is returned and no ARP state is installed.
// A failure inside the bridge namespace deletes the pair best-effort; a
// failure after the outer end has moved into target leaves the pair in
// place.
func (p *VethProvisioner) CreateVethToNS(target ns.NetNS, ifname string, ip net.IP) (*ArpEntry, error) {
	ix := p.st.NextVethIndex()
	inName := fmt.Sprintf("in%d", ix)
	outName := fmt.Sprintf("out%d", ix)

	log.Debug("provisioning veth %v/%v -> %v (%v)", inName, outName, ifname, ip)

	err := inNetNS(int(p.st.NetNS.Fd()), func() error {
		veth := &netlink.Veth{
			LinkAttrs: netlink.LinkAttrs{Name: inName, MTU: p.MTU},
			PeerName:  outName,
		}
		if err := netlink.LinkAdd(veth); err != nil {
			return &ProvisionError{Step: "create veth", Err: err}
		}

		br, err := netlink.LinkByName(BridgeName)
		if err != nil {
			p.deleteVeth(inName)
			return &ProvisionError{Step: "find bridge", Err: err}
		}
		inLink, err := netlink.LinkByName(inName)
		if err != nil {
			p.deleteVeth(inName)
			return &ProvisionError{Step: "find inner end", Err: err}
		}
		if err := netlink.LinkSetMaster(inLink, br); err != nil {
			p.deleteVeth(inName)
			return &ProvisionError{Step: "enslave inner end", Err: err}
		}
		if err := netlink.LinkSetUp(inLink); err != nil {
			p.deleteVeth(inName)
			return &ProvisionError{Step: "inner end up", Err: err}
		}

		outLink, err := netlink.LinkByName(outName)
		if err != nil {
			p.deleteVeth(inName)
			return &ProvisionError{Step: "find outer end", Err: err}
		}
		if err := netlink.LinkSetNsFd(outLink, int(target.Fd())); err != nil {
			p.deleteVeth(inName)
			return &ProvisionError{Step: "move outer end", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var mac net.HardwareAddr
	err = target.Do(func(ns.NetNS) error {
		link, err := netlink.LinkByName(outName)
		if err != nil {
			return &ProvisionError{Step: "find moved end", Err: err}
		}
		if err := netlink.LinkSetName(link, ifname); err != nil {
			return &ProvisionError{Step: "rename", Err: err}
		}
		link, err = netlink.LinkByName(ifname)
		if err != nil {
			return &ProvisionError{Step: "find renamed end", Err: err}
		}
		if err := netlink.LinkSetMulticastOff(link); err != nil {
			return &ProvisionError{Step: "multicast off", Err: err}
		}

		addr := &netlink.Addr{
			IPNet:     &net.IPNet{IP: ip, Mask: PoolMask()},
			Broadcast: PoolBroadcast(),
		}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return &ProvisionError{Step: "assign address", Err: err}
		}
		if err := netlink.LinkSetUp(link); err != nil {
			return &ProvisionError{Step: "outer end up", Err: err}
		}

		mac = link.Attrs().HardwareAddr
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("veth %v ready: %v is %v/%v", inName, ifname, ip, mac)
	return &ArpEntry{IP: ip, MAC: mac}, nil
}

// deleteVeth removes the inner end (and with it the pair) after a failed
// provisioning step. Best effort; runs inside the bridge namespace.
func (p *VethProvisioner) deleteVeth(name string) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return
	}
	if err := netlink.LinkDel(link); err != nil {
		log.Warn("could not clean up %v: %v", name, err)
	}
}

// inNetNS runs fn on a locked OS thread inside the network namespace nsfd
// refers to, restoring the thread's original namespace before returning.
func inNetNS(nsfd int, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return &ProvisionError{Step: "save namespace", Err: err}
	}
	defer orig.Close()

	if err := netns.Set(netns.NsHandle(nsfd)); err != nil {
		return &ProvisionError{Step: "enter bridge namespace", Err: err}
	}
	defer netns.Set(orig)

	return fn()
}
