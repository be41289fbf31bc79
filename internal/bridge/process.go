// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package bridge

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	log "bridged/pkg/minilog"
)

// ExternalDependencies lists the admin tools the bridge shells out to.
// Only iproute2 is needed: everything else speaks netlink directly.
var ExternalDependencies = []string{
	"ip",
}

// processWrapper executes the given arg list and returns a combined
// stdout/stderr and any errors. processWrapper blocks until the process exits.
func processWrapper(args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("empty argument list")
	}

	start := time.Now()
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	stop := time.Now()
	log.Debug("cmd \"%v\" completed in %v, output below:\n %v", strings.Join(args, " "), stop.Sub(start), string(out))

	return string(out), err
}
