// Command tlsbridge serves and dials TLS over the configured transport and
// engine.
package main

func main() {
	Execute()
}
