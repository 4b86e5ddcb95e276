// Package lsp implements the client side of a language server connection for
// the ccsc C dialect.
//
// The server is an external process spoken to over its standard input and
// output. Messages are JSON-RPC 2.0 payloads framed with a Content-Length
// header.
//
// # Architecture
//
// The package is layered leaf first:
//
//   - Framer: Content-Length framing over a byte stream
//   - Message, Encode, Decode: the JSON-RPC codec; numeric ids keep their exact
//     literal text so large values never pass through float64
//   - Supervisor: spawns the server and applies the restart budget
//   - Session: request/response correlation, notifications, server requests,
//     crash handling and shutdown
//   - Client: the initialize handshake, document sync, hover and diagnostics
//
// # Quick Start
//
//	client := lsp.NewClient(lsp.DefaultClientConfig(), lsp.WithClientLogger(logger))
//	if err := client.Start(ctx); err != nil {
//	    return err
//	}
//	defer client.Shutdown(ctx)
//
//	client.OpenDocument(ctx, "/work/main.c", content)
//	hover, err := client.Hover(ctx, "/work/main.c", lsp.Position{Line: 10, Character: 5})
//
// # Crash Recovery
//
// When the server exits unexpectedly every pending request fails with
// ErrServerCrashed and the server is restarted once. Open documents are
// replayed to the new process. A second crash leaves the session in
// StateCrashed with ErrFatalServer until Reset is called.
//
// # Thread Safety
//
// Session and Client are safe for concurrent use. Notification and server
// request handlers run one at a time, in arrival order, on a goroutine owned
// by the session.
package lsp
