// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

//go:build linux

package bridge

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	log "bridged/pkg/minilog"
)

// reexecEnvMarker, when set in the child's environment, tells this binary
// to run the namespace-construction child body instead of the daemon's
// normal main. cmd/bridged checks for it before anything else, the same
// way runc/libcontainer-style reexec init stages work: a fresh clone(2) of
// the same binary is cheaper and safer than hand-serializing namespace
// state across a fork.
const reexecEnvMarker = "BRIDGED_NAMESPACE_CHILD=1"

// TapName is the fixed name of the tap device enslaved to the bridge.
const TapName = "tap"

// socketpairFd is the fd number the parent/child datagram socketpair
// appears on in the child (first ExtraFiles slot).
const socketpairFd = 3

// NamespaceBuilder creates the bridge's isolated user+network namespace
// and the tap/bridge devices inside it.
type NamespaceBuilder struct {
	IPRouteBinary string
	UID, GID      int
}

// Init builds the bridge's network domain: a synchronous child in new user
// and network namespaces writes its own uid/gid maps, opens the tap,
// builds the Linux bridge, then sends the three fds (netns, userns, tap)
// back to the parent over a socketpair and exits. The parent blocks until
// the child exits, then owns the fds. Any failure releases whatever was
// already acquired and returns a NamespaceError; the daemon must not start.
func (nb *NamespaceBuilder) Init() (*State, error) {
	parentFd, childConn, err := socketpair()
	if err != nil {
		return nil, &NamespaceError{Step: "socketpair", Err: err}
	}
	defer closeFd(parentFd)

	cmd := exec.Command("/proc/self/exe")
	cmd.Env = append(os.Environ(), reexecEnvMarker,
		fmt.Sprintf("BRIDGED_IP_BINARY=%s", nb.IPRouteBinary),
		fmt.Sprintf("BRIDGED_HOST_UID=%d", nb.UID),
		fmt.Sprintf("BRIDGED_HOST_GID=%d", nb.GID),
	)
	cmd.ExtraFiles = []*os.File{childConn}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// CLONE_NEWUSER lets the child write its own uid/gid map without
		// host privilege; CLONE_NEWNET gives it a private network
		// namespace to build the bridge/tap in.
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET,
	}

	log.Debug("starting namespace-construction child")
	if err := cmd.Start(); err != nil {
		childConn.Close()
		return nil, &NamespaceError{Step: "clone", Err: err}
	}
	childConn.Close()

	netnsFd, usernsFd, tapFd, mac, err := recvThreeFds(parentFd)
	if err != nil {
		_ = cmd.Wait()
		return nil, &NamespaceError{Step: "fd transfer", Err: err}
	}

	if err := cmd.Wait(); err != nil {
		closeFd(netnsFd)
		closeFd(usernsFd)
		closeFd(tapFd)
		return nil, &NamespaceError{Step: "child exit", Err: err}
	}

	for _, fd := range []int{netnsFd, usernsFd, tapFd} {
		unix.CloseOnExec(fd)
	}
	if err := unix.SetNonblock(tapFd, true); err != nil {
		closeFd(netnsFd)
		closeFd(usernsFd)
		closeFd(tapFd)
		return nil, &NamespaceError{Step: "set nonblock", Err: err}
	}

	st := NewState(bridgeAddr(), mac)
	st.TapFd = tapFd
	st.NetNS = os.NewFile(uintptr(netnsFd), "bridge-netns")
	st.UserNS = os.NewFile(uintptr(usernsFd), "bridge-userns")

	log.Info("bridge namespace ready: ip=%v mac=%v", st.IP, st.MAC)
	return st, nil
}

// IsNamespaceChild reports whether this process was re-executed as the
// namespace-construction child and should run RunNamespaceChild instead
// of the daemon.
func IsNamespaceChild() bool {
	return os.Getenv("BRIDGED_NAMESPACE_CHILD") == "1"
}

// RunNamespaceChild is the entrypoint cmd/bridged calls when it finds
// reexecEnvMarker in its own environment. It never returns: it either
// completes the namespace construction and exits 0, or logs and exits 1.
func RunNamespaceChild() {
	ipBinary := os.Getenv("BRIDGED_IP_BINARY")
	if ipBinary == "" {
		ipBinary = "ip"
	}
	hostUID := atoiOrZero(os.Getenv("BRIDGED_HOST_UID"))
	hostGID := atoiOrZero(os.Getenv("BRIDGED_HOST_GID"))

	conn := os.NewFile(uintptr(socketpairFd), "namespace-child-conn")
	defer conn.Close()

	if err := namespaceChildBody(ipBinary, hostUID, hostGID, conn); err != nil {
		log.Error("namespace child failed: %v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func namespaceChildBody(ipBinary string, hostUID, hostGID int, conn *os.File) error {
	// The kernel requires setgroups be denied before an unprivileged
	// process may write its own gid_map.
	if err := os.WriteFile("/proc/self/setgroups", []byte("deny"), 0644); err != nil {
		return fmt.Errorf("write setgroups: %w", err)
	}
	if err := os.WriteFile("/proc/self/gid_map", []byte(fmt.Sprintf("0 %d 1", hostGID)), 0644); err != nil {
		return fmt.Errorf("write gid_map: %w", err)
	}
	if err := os.WriteFile("/proc/self/uid_map", []byte(fmt.Sprintf("0 %d 1", hostUID)), 0644); err != nil {
		return fmt.Errorf("write uid_map: %w", err)
	}

	if err := unix.Setresuid(0, 0, 0); err != nil {
		return fmt.Errorf("setresuid: %w", err)
	}
	if err := unix.Setresgid(0, 0, 0); err != nil {
		return fmt.Errorf("setresgid: %w", err)
	}

	tapFd, err := openTap(TapName)
	if err != nil {
		return fmt.Errorf("open tap: %w", err)
	}

	if _, err := processWrapper(ipBinary, "link", "add", "name", BridgeName, "type", "bridge"); err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	if _, err := processWrapper(ipBinary, "link", "set", "dev", "lo", "up"); err != nil {
		return fmt.Errorf("lo up: %w", err)
	}
	if _, err := processWrapper(ipBinary, "link", "set", "dev", TapName, "master", BridgeName); err != nil {
		return fmt.Errorf("enslave tap: %w", err)
	}
	if _, err := processWrapper(ipBinary, "link", "set", "dev", TapName, "up", "multicast", "off"); err != nil {
		return fmt.Errorf("tap up: %w", err)
	}
	if _, err := processWrapper(ipBinary, "link", "set", "dev", BridgeName, "up", "multicast", "off"); err != nil {
		return fmt.Errorf("bridge up: %w", err)
	}

	// The parent can't query an interface inside namespaces it never
	// joined, so the tap MAC rides along as the fd-pass payload.
	iface, err := net.InterfaceByName(TapName)
	if err != nil {
		closeFd(tapFd)
		return fmt.Errorf("query tap: %w", err)
	}

	netnsFd, err := selfNsFd("net")
	if err != nil {
		closeFd(tapFd)
		return fmt.Errorf("open self net ns: %w", err)
	}
	usernsFd, err := selfNsFd("user")
	if err != nil {
		closeFd(netnsFd)
		closeFd(tapFd)
		return fmt.Errorf("open self user ns: %w", err)
	}

	return sendThreeFds(int(conn.Fd()), netnsFd, usernsFd, tapFd, iface.HardwareAddr)
}

// bridgeAddr is the first pool allocation, reserved for the bridge itself.
func bridgeAddr() net.IP {
	return net.IPv4(10, 0, 0, 1).To4()
}

func atoiOrZero(s string) int {
	var n int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func selfNsFd(kind string) (int, error) {
	path := "/proc/self/ns/" + kind
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}

// openTap opens /dev/net/tun and runs the TUNSETIFF ioctl to bind it to a
// TAP device named name, with IFF_NO_PI so frames are delivered without
// the 4-byte tun packet-info header.
func openTap(name string) (int, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	var ifr struct {
		name  [unix.IFNAMSIZ]byte
		flags uint16
		_     [22]byte // pad to sizeof(struct ifreq)
	}
	copy(ifr.name[:], name)
	ifr.flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		closeFd(fd)
		return -1, fmt.Errorf("TUNSETIFF: %w", errno)
	}
	return fd, nil
}
