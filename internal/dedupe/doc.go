// Package dedupe remembers recently seen keys for a bounded window so that
// late or repeated deliveries can be recognised instead of treated as unknown.
package dedupe
