// Package client is a Go SDK for puppet-gateway clients.
//
// A Client dials the gateway's WebSocket endpoint, identifies with role
// "client" and an optional API key or JWT, and waits for ready. Commands get
// ids of the form req_<n> and block until the matching response arrives, the
// per-command timeout elapses or the caller's context ends.
//
//	c := client.New(client.Options{URL: "ws://localhost:8765", APIKey: key})
//	if err := c.Connect(ctx); err != nil {
//		return err
//	}
//	defer c.Close()
//
//	res, err := c.Navigate(ctx, "https://example.com", "")
//	if err != nil {
//		return err
//	}
//	if err := res.Err(protocol.MethodNavigate); err != nil {
//		return err
//	}
//
// A failed command (no agent, timeout on the gateway, agent error) is a
// Result with Success false. Transport problems are returned as errors:
// ErrNotConnected, ErrRequestTimeout, ErrConnectionLost and ErrClosed.
package client
