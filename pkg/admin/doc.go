// Package admin is the Go client for a world server's admin surface.
//
// # Overview
//
// A world server exposes two admin channels. The WebSocket at /admin carries
// authenticated commands (blueprint_add, entity_modify, ...) and pushes live
// change events back to subscribed admins. The HTTP endpoints under /admin
// serve the full snapshot, the ordered changefeed, blueprint fetches, asset
// uploads, deploy locks and deploy snapshots.
//
// # Wire Format
//
// Every WebSocket frame is a binary packet holding a method token and a JSON
// payload, each prefixed with its uvarint length:
//
//	uvarint(len(method)) method uvarint(len(json)) json
//
// Outbound methods are adminAuth and adminCommand. Commands carry a fresh
// requestId and are answered by exactly one onAdminResult with the same id.
//
// # Usage Example
//
//	client, err := admin.NewClient(admin.Options{
//		WorldURL:  "http://localhost:3000",
//		AdminCode: os.Getenv("ADMIN_CODE"),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	snap, err := client.GetSnapshot(ctx)
//	...
//	for ev := range client.Events() {
//		switch ev.Kind {
//		case admin.EventBlueprintModified:
//			...
//		}
//	}
//
// # Errors
//
// Failures reported by the server are returned as *Error values carrying the
// server's error code. Version conflicts keep the server's current record in
// Error.Current and lock contention keeps the holder in Error.Lock.
package admin
