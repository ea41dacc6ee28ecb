// Package dispatch executes tool calls by routing each descriptor to the
// strategy registered for its kind.
//
// Four strategies ship with the package:
//
//	proxy_rpc         forward to the upstream peer through a Caller
//	local_invocation  call a registered in-process Callable
//	external_call     issue an outbound HTTP request
//	subprocess        run a program and parse its stdout
//
// Every failure, including a panic inside a strategy, leaves the Dispatcher
// as a single *rpc.Error. Strategies that block on I/O or processes run
// behind a bounded worker gate so one slow tool cannot starve the rest.
package dispatch
