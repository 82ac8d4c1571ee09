/*
Package cache provides the redis-backed cache shared by the search providers
and the redis audit store.

Manager owns the client lifecycle: it pings on construction, runs an optional
background health check, and releases the pool on Close. Keys are namespaced
with Config.Prefix. Values are plain strings or JSON documents through
GetJSON and SetJSON; absent keys yield ErrCacheMiss.
*/
package cache
