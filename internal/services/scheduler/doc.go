// Package scheduler decides when connectors run and dispatches them.
//
// The loop polls on a fixed interval and fires every connector whose
// computed next-run time has passed. Next-run times are derived from
// standard 5-field cron expressions; a malformed expression never
// stops the loop, the connector is simply deferred by an hour and the
// problem is logged.
package scheduler
