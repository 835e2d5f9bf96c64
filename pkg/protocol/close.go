package protocol

// Application close codes sent when a channel is terminated by the server.
// Values live in the 4000-4999 range reserved for applications by RFC 6455.
const (
	// CloseAuthFailed is sent when the auth hook rejects a connection that
	// was already upgraded (the HTTP path answers 401 before upgrading).
	CloseAuthFailed = 4401

	// CloseDocumentUnavailable is sent when the document failed to load.
	CloseDocumentUnavailable = 4404

	// CloseLoadTimeout is sent when the document did not become ready in time.
	CloseLoadTimeout = 4408

	// CloseSlowConsumer is sent when a connection's outbound queue overflows.
	CloseSlowConsumer = 4429

	// CloseServerShutdown is sent to every connection on graceful shutdown.
	CloseServerShutdown = 4503
)

// CloseText returns a short human-readable reason for a close code.
func CloseText(code int) string {
	switch code {
	case CloseAuthFailed:
		return "authentication error"
	case CloseDocumentUnavailable:
		return "document unavailable"
	case CloseLoadTimeout:
		return "document load timed out"
	case CloseSlowConsumer:
		return "outbound queue overflow"
	case CloseServerShutdown:
		return "server shutting down"
	default:
		return ""
	}
}
