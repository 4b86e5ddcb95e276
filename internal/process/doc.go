// Package process spawns and tracks the external programs ccsc-client talks to.
//
// A Handle owns the standard streams of one child process. The caller writes to
// Stdin and reads from Stdout; Stderr is either piped or redirected to a writer
// supplied in the Spec. Programs are always started from an argument vector,
// never through a shell.
//
// # Liveness
//
// A Handle moves through Starting, Running and then one of:
//
//   - Exited: the process ended with an exit status after Terminate was
//     requested, or on its own with status 0.
//   - Crashed: the process ended on its own with a non-zero status, was killed
//     by a signal nobody asked for, or could not be waited on.
//
// # Termination
//
// Terminate is idempotent. It closes stdin, waits for a grace period, sends
// SIGTERM, waits again and finally kills the process group:
//
//	h, err := process.Spawn(process.Spec{Path: "ls-ccsc"})
//	if err != nil {
//	    return err
//	}
//	defer h.Terminate(2 * time.Second)
//
// # Thread Safety
//
// Handle is safe for concurrent use.
package process
