// Package lock implements the advisory edit-lock manager used to keep two
// operators from editing the same record at once. Locks are held per
// (resourceType, resourceId) pair, expire 15 minutes after the last
// acquisition, and live in a shared store (Redis in production, memory for
// single-process use) so every server process observes the same owner.
package lock
