package types

// Direction tells whether a message was leaving or entering the target.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "recv"
)

// SendFunctions are the libxpc entry points that carry outgoing messages.
// The connection is the first argument and the message the second.
var SendFunctions = []string{
	"xpc_connection_send_message",
	"xpc_connection_send_message_with_reply",
	"xpc_connection_send_message_with_reply_sync",
}

// ReceiveFunctions are the entry points on the incoming path. The event
// handler setters receive a block rather than a message as their second
// argument, so their captures decode as unknown; the private dispatcher is
// where incoming messages actually arrive.
var ReceiveFunctions = []string{
	"_xpc_connection_call_event_handler",
	"xpc_connection_set_event_handler",
	"xpc_connection_set_event_handler_with_flags",
}
