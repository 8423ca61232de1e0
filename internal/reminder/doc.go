// Package reminder schedules deferred re-checks of pull requests that wait
// for review.
//
// # Overview
//
// Every pull request in review gets exactly one job keyed "pull-<id>". When a
// job fires, the engine fetches the pull request again. If nobody has left a
// review comment and the pull request is still open, it emits a ping and
// arms a new job with the default interval; otherwise the job is dropped.
//
// # Fire time
//
// NextFireTime keeps the whole days already elapsed since the review started,
// adds the interval and pushes weekend results to Monday.
//
// # Concurrency
//
// The JobStore is owned by one Engine. Each job carries an ID; a timer
// callback only acts while the store still maps its key to that ID, which
// makes Cancel safe before, during and after a fire.
//
// # Wiring
//
// Bridge maps bus topics onto Schedule/Cancel and publishes pings;
// Reconcile seeds the engine from storage at startup.
package reminder
