// Package fathom is a deep-agent orchestration runtime: it composes an
// LLM-driven lead agent with a persistent planning facility, a virtual
// scratch filesystem shared across turns, and a pool of delegatable
// sub-agents the lead invokes as tools.
//
// The core is the reason→act event loop and its tool-call scheduler. Tool
// calls emitted in a single assistant message are dispatched in parallel and
// their results reassembled in request order before being appended to the
// transcript, satisfying the strict ordering and alternation rules model
// wire protocols impose on tool-use / tool-result messages.
//
// Construct an agent with New, hand it a ModelClient (see model/anthropic
// for a production adapter), and drive it with Invoke or InvokeStream:
//
//	agent, err := fathom.New(instructions, client,
//		fathom.WithTools(searchTool),
//		fathom.WithSubAgents(fathom.SubAgentSpec{
//			Name:        "research_subagent",
//			Description: "Delegated research tasks",
//			Prompt:      researchPrompt,
//		}),
//	)
//	result, err := agent.Invoke(ctx, "compare X and Y")
//
// Sub-agents are compiled to immutable configs at construction; every
// task(...) delegation builds a fresh instance with its own transcript and
// state, so repeated or parallel delegations never observe each other.
package fathom
