// Package client is the planning client for a relay gateway.
//
// A Client holds one websocket link to the gateway's session endpoint and
// multiplexes list_tools, tool_info, and call_tool requests over it. Ask
// combines the catalog with a plan.Planner and runs the resulting plan:
//
//	c := client.New(ctx, client.Config{URL: "ws://localhost:8765/ws"})
//	defer c.Close()
//	answer, err := c.Ask(ctx, plan.RuleBased{}, "how many students in grade 1 have not paid?")
package client
