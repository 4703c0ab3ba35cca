// Package dedupe remembers correlation ids after their commands retire.
//
// The gateway drops any response whose id has no pending record. Retired
// lets it classify those drops: an id found here is a late response (the
// command already timed out, its client left, or the agent was replaced)
// and anything else is unknown.
package dedupe
