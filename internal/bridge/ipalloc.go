// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package bridge

import (
	"encoding/binary"
	"net"
	"sync/atomic"

	"github.com/3th1nk/cidr"

	log "bridged/pkg/minilog"
)

// ContainerPool is the address range containers are numbered out of. The
// bridge itself takes the first address; every container after that gets
// the next host number, and addresses are never reused within a daemon
// lifetime.
const ContainerPool = "10.0.0.0/8"

var pool = mustPool()

// poolBase is the pool's network address as a host-order integer.
var poolBase = binary.BigEndian.Uint32(pool.CIDR().IP.To4())

func mustPool() *cidr.CIDR {
	c, err := cidr.Parse(ContainerPool)
	if err != nil {
		panic(err)
	}
	return c
}

// PoolBroadcast returns the broadcast address veths are configured with.
func PoolBroadcast() net.IP {
	return pool.Broadcast().To4()
}

// PoolMask returns the container pool's network mask.
func PoolMask() net.IPMask {
	return pool.CIDR().Mask
}

// NextIP allocates the next container IPv4 address. The counter is a
// strict fetch-and-add: concurrent allocations never collide and released
// addresses are never handed out again. Returns nil once the pool runs
// out.
func (s *State) NextIP() net.IP {
	host := atomic.AddUint32(&s.nextIP, 1)

	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, poolBase+host)

	if !pool.Contains(ip.String()) {
		log.Error("container pool %v exhausted", ContainerPool)
		return nil
	}
	return ip
}
