package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for runtime observability spans and metrics.
var (
	AttrModelName     = attribute.Key("model.name")
	AttrModelMethod   = attribute.Key("model.method")
	AttrModelStatus   = attribute.Key("model.status")
	AttrTokensInput   = attribute.Key("model.tokens.input")
	AttrTokensOutput  = attribute.Key("model.tokens.output")
	AttrToolCount     = attribute.Key("model.tool_count")
	AttrStreamDeltas  = attribute.Key("model.stream_deltas")
	AttrToolName      = attribute.Key("tool.name")
	AttrToolStatus    = attribute.Key("tool.status")
	AttrAgentName     = attribute.Key("agent.name")
	AttrSubagentType  = attribute.Key("subagent.type")
	AttrSessionID     = attribute.Key("session.id")
	AttrTurnSteps     = attribute.Key("turn.steps")
	AttrStopReason    = attribute.Key("turn.stop_reason")
	AttrBatchSize     = attribute.Key("batch.size")
	AttrBatchFailures = attribute.Key("batch.failures")
)
