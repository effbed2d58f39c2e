package sigma

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/jnesss/xpc-recorder/capture"
	"github.com/jnesss/xpc-recorder/xpc"
)

// EventFields flattens an event into the string fields rules match on.
// Message leaves appear as Message.<key>.<index>...; Message itself holds
// the rendered JSON document.
func EventFields(ev *capture.Event) map[string]interface{} {
	fields := map[string]interface{}{
		"id":             ev.ID,
		"Function":       ev.Function,
		"Direction":      string(ev.Direction),
		"Thread":         ev.Thread,
		"ConnectionName": ev.ConnectionName,
		"ConnectionPID":  ev.ConnectionPID.String(),
		"PeerName":       ev.PeerName,
		"Degraded":       strconv.FormatBool(ev.Degraded()),
		"Message":        string(xpc.Render(ev.Message)),
	}

	ev.Message.Walk(func(path []string, leaf xpc.Value) {
		if len(path) == 0 {
			return
		}
		fields["Message."+strings.Join(path, ".")] = leafString(leaf)
	})
	return fields
}

func leafString(v xpc.Value) string {
	switch v.Kind {
	case xpc.String:
		return v.Str
	case xpc.Int64:
		return strconv.FormatInt(v.Int, 10)
	case xpc.UInt64:
		return strconv.FormatUint(v.Uint, 10)
	case xpc.Double:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case xpc.Bool:
		return strconv.FormatBool(v.Bool)
	case xpc.Data:
		return base64.StdEncoding.EncodeToString(v.Bytes)
	case xpc.Dictionary, xpc.Array:
		return string(xpc.Render(v))
	}
	return v.Diag
}
