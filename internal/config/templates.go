package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes a commented starter micad.toml.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}

const Template = `# micad daemon configuration
runtime_dir = "/run/mica"
create_socket = "mica-create.socket"

# shell | pedestal
backend = "pedestal"

# current | legacy create message layout
wire_layout = "current"

listen_backlog = 16
wait_timeout = "200ms"
conn_timeout = "5s"
grace_period = "1s"
poll_interval = "100ms"
gdb_port = 5678

# optional second home for console aliases, e.g. "/dev"
dev_alias_dir = ""

[shell]
command = ["/bin/sh", "-i"]

[pedestal]
xl = "xl"
jailhouse = "jailhouse"
gdbsx = "gdbsx"
xenstore_read = "xenstore-read"
remoteproc_root = "/sys/class/remoteproc"

[log]
level = "info"
`
