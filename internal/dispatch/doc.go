// Package dispatch implements the fan-out engine: one content item delivered
// to every active subscriber, strictly in listed order, with bounded retry on
// transient failures and a jittered pause between sends. One bad recipient
// never blocks the rest of the run.
package dispatch
