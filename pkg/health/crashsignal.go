package health

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// signalNames maps the fatal signals this monitor captures to their
// symbolic names for the crash report.
var signalNames = map[os.Signal]string{
	syscall.SIGSEGV: "SIGSEGV",
	syscall.SIGBUS:  "SIGBUS",
	syscall.SIGFPE:  "SIGFPE",
	syscall.SIGABRT: "SIGABRT",
}

// WatchCrashSignals installs handlers for SIGSEGV/SIGBUS/SIGFPE/SIGABRT.
// Go's runtime treats most memory-fault signals as fatal before a
// notified handler ever gets to run, so this is a best-effort net: it
// reliably catches SIGABRT (raised deliberately, e.g. by a third-party
// C library linked in via cgo) and anything delivered cleanly enough
// for the runtime to hand off. The handler itself does no allocation
// beyond what os/signal already buffers; it writes a minimal line to
// a pre-opened fd before handing off to RecordCrash, matching the
// "record first, then do the real work" shape a true signal handler
// would need.
func (m *Monitor) WatchCrashSignals(crashFDPath string) {
	// RecordCrash atomically renames a fresh JSON array over crashFDPath,
	// so a line appended to that same inode would be unlinked along with
	// it. Write the best-effort signal line to a sibling path instead.
	if crashFDPath != "" {
		logPath := crashFDPath
		if !strings.HasSuffix(logPath, ".log") {
			logPath += ".log"
		}
		if fd, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			m.crashFD = fd
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGFPE, syscall.SIGABRT)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				m.handleFatalSignal(sig)
				signal.Stop(sigCh)
				// Re-raise so the process actually terminates the way
				// an uncaught fatal signal is expected to.
				syscall.Kill(os.Getpid(), sig.(syscall.Signal))
				return
			case <-m.stop:
				signal.Stop(sigCh)
				return
			}
		}
	}()
}

func (m *Monitor) handleFatalSignal(sig os.Signal) {
	name := signalNames[sig]
	if name == "" {
		name = sig.String()
	}

	if m.crashFD != nil {
		fmt.Fprintf(m.crashFD, "fatal signal %s received\n", name)
		m.crashFD.Sync()
	}

	num := 0
	if s, ok := sig.(syscall.Signal); ok {
		num = int(s)
	}
	m.RecordCrash(num, name, fmt.Sprintf("fatal signal %s", name))
}
