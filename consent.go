package fathom

import (
	"context"
	"encoding/json"
)

// ConsentFunc is an optional pre-tool confirmation hook. It runs before a
// tool handler is dispatched; a returned error converts the call into an
// error tool result without invoking the handler. The hook is skipped
// entirely when the agent is configured with WithBypassToolConsent.
type ConsentFunc func(ctx context.Context, tool string, input json.RawMessage) error
