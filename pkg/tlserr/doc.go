// Package tlserr defines the error taxonomy shared by the engines, the I/O
// driver and the stream facades.
//
// Every terminal failure is an *Error carrying a Kind, the logical operation
// that was in flight and the connection state at the time it failed. Kinds
// have sentinel values so callers can match with errors.Is:
//
//	if errors.Is(err, tlserr.ErrCertificateRejected) {
//		// peer identity failed verification
//	}
//
// The underlying cause (a transport error, an x509 error, an alert) stays
// reachable through errors.Unwrap / errors.As.
package tlserr
