// Package wire defines the frame protocol spoken over the gateway WebSocket.
//
// # Frames
//
// Each WebSocket text message is one JSON object:
//
//	{"command": "SEND", "destination": "/app/dm/bob/send",
//	 "headers": {"message-id": "m-1", "receipt": "r-1"},
//	 "body": {"content": "hello"}}
//
// Clients send CONNECT, SUBSCRIBE, UNSUBSCRIBE, SEND and DISCONNECT. The
// server answers with CONNECTED, MESSAGE, ERROR and RECEIPT. Header names are
// matched case-insensitively.
//
// # Destinations
//
// Inbound app destinations have the form /app/dm/{target}/{action} where
// action is send, open or read. Outbound user queues are
// /user/queue/dm/{conversationId}, /user/queue/dm/notify,
// /user/queue/dm/open and /user/queue/errors. The last two reach a session
// without a subscription.
package wire
