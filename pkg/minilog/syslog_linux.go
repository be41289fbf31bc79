package minilog

import (
	"log/syslog"
)

// AddSyslog adds a syslog writer connected to raddr over network, tagged
// tag, logging at level or higher. If network is "local", logs to the local
// syslog daemon instead of dialing out.
func AddSyslog(network, raddr, tag string, level Level) error {
	var w *syslog.Writer
	var err error

	priority := syslog.LOG_INFO | syslog.LOG_DAEMON

	if network == "local" {
		w, err = syslog.New(priority, tag)
	} else {
		w, err = syslog.Dial(network, raddr, priority, tag)
	}
	if err != nil {
		return err
	}

	AddLogger("syslog", w, level, false)
	return nil
}
