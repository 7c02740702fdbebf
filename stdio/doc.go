// Package stdio runs a single session over a pair of byte streams, usually
// stdin and stdout. Each message is one line of JSON.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : the client's auth message, checked like any other transport
//	Framing          : newline-delimited JSON
//
// Example:
//
//	h := stdio.NewHandler(agent.NewFactory(m, agent.WithAnonymous(true)))
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// The connection data handed to the authenticator carries the local OS user
// in the X-Local-User header.
package stdio
