// Copyright (2017) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

// Package bridge owns the appliance's private L2/L3 network domain: the
// namespace-isolated Linux bridge that hosts sandboxed application
// containers, the tap device used to shuttle Ethernet frames in and out of
// the daemon, the veth provisioner that attaches new containers, and the
// two lookup tables (ARP, SCTP) that record who is allowed to send from
// which address.
//
// It does not parse or synthesize packets; that is internal/packet's job.
// bridge hands internal/packet raw frames read from the tap and a write
// path back to it.
package bridge
