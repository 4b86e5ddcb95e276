// Package ccsc hosts the ccsc tooling for a workspace.
//
// An Extension owns one language server client, the compiler driver, a
// command runner and, when enabled, a watcher on compiler error files:
//
//	ext, err := ccsc.New(cfg, root, ccsc.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := ext.Activate(ctx); err != nil {
//		return err
//	}
//	defer ext.Deactivate(context.Background())
//
//	result, err := ext.Request(ctx, "textDocument/hover", params)
//
// Diagnostics from the server and from the compiler share one store and are
// kept apart by owner, so a compile never erases what the server reported.
// Error files written by the compiler (<source>.err) are parsed when they
// change, and the change is forwarded to the server as
// workspace/didChangeWatchedFiles.
package ccsc
