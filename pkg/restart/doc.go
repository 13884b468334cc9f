// Package restart services settled-change requests by restarting a target
// service or container through a configured runtime command.
//
// A [Trigger] owns one target. Its [Trigger.Run] loop always accepts
// incoming requests so a slow or retrying restart never blocks change
// detection, while at most one restart is in flight and requests are
// serviced strictly in settle order. A backlog that builds up behind a slow
// restart coalesces into a single queued request.
package restart
