// Package pedestal is the production execution backend. Each client names
// its pedestal in the create message:
//
//   - xen: a guest domain driven through xl, with its console tty read from
//     xenstore and an optional gdbsx debug bridge
//   - jailhouse: a cell created, loaded and started through the jailhouse CLI
//   - anything else: a remote processor driven through remoteproc sysfs
//
// Every host interaction goes through tools.CommandRunner or plain sysfs
// files so tests can run without a hypervisor.
package pedestal
