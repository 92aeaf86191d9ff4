// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the rooms socket.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Auth token missing, invalid, or expired.
	SubscribeFailedError  = 3002 // The broadcast hub could not open a subscription.
)
