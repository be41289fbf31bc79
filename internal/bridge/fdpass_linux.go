// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

//go:build linux

package bridge

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// socketpair opens a connected SOCK_DGRAM/AF_UNIX pair for passing the
// three namespace-construction fds from child to parent. The parent keeps
// a raw fd; the child end is handed to exec.Cmd via ExtraFiles so it
// survives across the clone/exec boundary.
func socketpair() (parentFd int, childFile *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("socketpair: %w", err)
	}
	return fds[0], os.NewFile(uintptr(fds[1]), "namespace-child-conn"), nil
}

// sendThreeFds sends netnsFd, usernsFd, and tapFd as an SCM_RIGHTS
// ancillary message over fd, with the tap's MAC address as the message
// payload so the parent doesn't need to query an interface it can't see
// (it hasn't entered the child's namespaces).
func sendThreeFds(fd int, netnsFd, usernsFd, tapFd int, mac net.HardwareAddr) error {
	payload := make([]byte, 6)
	copy(payload, mac)

	rights := unix.UnixRights(netnsFd, usernsFd, tapFd)
	return unix.Sendmsg(fd, payload, rights, nil, 0)
}

// recvThreeFds is sendThreeFds's receiver; see sendThreeFds.
func recvThreeFds(fd int) (netnsFd, usernsFd, tapFd int, mac net.HardwareAddr, err error) {
	payload := make([]byte, 6)
	oob := make([]byte, unix.CmsgSpace(3*4))

	n, oobn, _, _, err := unix.Recvmsg(fd, payload, oob, 0)
	if err != nil {
		return -1, -1, -1, nil, fmt.Errorf("recvmsg: %w", err)
	}
	if n != 6 {
		return -1, -1, -1, nil, fmt.Errorf("recvmsg: expected 6-byte MAC payload, got %d", n)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, -1, -1, nil, fmt.Errorf("parse control message: %w", err)
	}
	if len(cmsgs) != 1 {
		return -1, -1, -1, nil, fmt.Errorf("expected one control message, got %d", len(cmsgs))
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return -1, -1, -1, nil, fmt.Errorf("parse unix rights: %w", err)
	}
	if len(fds) != 3 {
		return -1, -1, -1, nil, fmt.Errorf("expected 3 fds, got %d", len(fds))
	}

	return fds[0], fds[1], fds[2], net.HardwareAddr(payload), nil
}
