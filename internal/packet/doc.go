// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package packet is the bridge's in-process packet engine. It classifies
// frames read off the tap by EtherType, answers ARP for the bridge
// address, answers ICMP echo, demultiplexes SCTP to registered endpoints,
// and hands application-launch requests on the UDP control port to the
// permission broker. Frames that fail validation are dropped, never
// answered.
package packet
