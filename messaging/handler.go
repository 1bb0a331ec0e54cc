package messaging

import (
	"context"
	"encoding/json"

	"github.com/glimte/mmate-gateway/contracts"
)

// Call is one command invocation.
type Call struct {
	// Request is the inbound envelope with its token resolved.
	Request contracts.Envelope
	// Identity is the verified caller for commands that require auth.
	Identity *contracts.Identity
	// Conn is nil when the command runs on an offload worker.
	Conn *Connection
}

// Token returns the caller token.
func (c *Call) Token() string { return c.Request.JWT }

// HandlerFunc executes a command and returns its reply envelope.
type HandlerFunc func(ctx context.Context, call *Call) contracts.Envelope

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Handle adapts a typed handler to HandlerFunc. The payload is decoded into a
// fresh *T, fn runs, and the (possibly modified) payload becomes the reply
// data. A returned error is written to the payload's error field. An
// undecodable payload yields an "error" reply with empty data.
func Handle[T any, PT interface {
	*T
	contracts.ErrorSetter
}](fn func(ctx context.Context, call *Call, msg PT) error) HandlerFunc {
	return func(ctx context.Context, call *Call) contracts.Envelope {
		reply := call.Request.Reply("")
		msg := PT(new(T))
		if err := call.Request.Decode(msg); err != nil {
			return malformedReply(reply)
		}
		if err := fn(ctx, call, msg); err != nil {
			msg.SetError(err.Error())
		}
		out, err := reply.WithData(msg)
		if err != nil {
			return malformedReply(reply)
		}
		return out
	}
}

func malformedReply(reply contracts.Envelope) contracts.Envelope {
	reply.Command = "error"
	reply.Data = nil
	return reply
}

// ReplyFailed reports whether reply is an error command or carries an error
// field in its payload.
func ReplyFailed(reply contracts.Envelope) bool {
	if reply.Command == "error" {
		return true
	}
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(reply.Data, &probe) != nil {
		return false
	}
	s := string(probe.Error)
	return s != "" && s != "null" && s != `""`
}
