package provision

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const ptmxPath = "/dev/ptmx"

// PTYAvailable reports whether this host can allocate pseudo-terminals.
func PTYAvailable() bool {
	_, err := os.Stat(ptmxPath)
	return err == nil
}

// openPTY allocates a master/slave pair through devpts.
func openPTY() (master *os.File, slavePath string, err error) {
	master, err = os.OpenFile(ptmxPath, os.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", ptmxPath, err)
	}
	fd := int(master.Fd())

	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("TIOCGPTN: %w", err)
	}
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("TIOCSPTLCK: %w", err)
	}
	return master, fmt.Sprintf("/dev/pts/%d", n), nil
}
