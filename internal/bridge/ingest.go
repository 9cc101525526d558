package bridge

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/agent"
	"github.com/ppiankov/crisisgraph/internal/coordinator"
)

// Ingester processes one signal
type Ingester interface {
	ProcessSignal(ctx context.Context, kind, content string, metadata map[string]string) (agent.Output, error)
}

type ingestReply struct {
	Output *agent.Output `json:"output,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// SignalHandler decodes a coordinator.Signal from each message and ingests
// it. Requests carrying a reply subject are answered with the agent output
// or the error.
func SignalHandler(ctx context.Context, in Ingester, logger *zap.Logger) nats.MsgHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(msg *nats.Msg) {
		var reply ingestReply
		var sig coordinator.Signal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			reply.Error = "malformed signal: " + err.Error()
		} else if out, err := in.ProcessSignal(ctx, sig.Kind, sig.Content, sig.Metadata); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Output = &out
		}
		if reply.Error != "" {
			logger.Info("signal from nats rejected", zap.String("subject", msg.Subject), zap.String("error", reply.Error))
		}

		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			logger.Warn("encode signal reply", zap.Error(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn("signal reply failed", zap.String("reply", msg.Reply), zap.Error(err))
		}
	}
}
