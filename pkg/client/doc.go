// Package client talks to a running replvol daemon over its HTTP API.
//
// It is the integration point for tools that drive volumes without going
// through the replvol command line.
//
// # Retries
//
// Requests are retried when the daemon cannot be reached. A reply is never
// retried: once the daemon answered, the reply, including a refused state
// change, is returned to the caller unchanged.
//
// # Recommended Usage Pattern
//
//	c := client.New("http://127.0.0.1:7790")
//	req := admin.NewRequest(admin.OpPrimary)
//	req.Minor = 1
//	reply, err := c.Do(ctx, req)
//	if err != nil {
//	    // daemon unreachable
//	}
//	if !reply.OK() {
//	    // reply.Name and reply.Info say why
//	}
package client
