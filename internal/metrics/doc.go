// Package metrics is the observability sink of the proxy. Dispatchers report
// mirror results and primary retry exhaustion here; nothing reported is ever
// read back by the request path.
//
// The Collector turns events into Prometheus series, structured log lines and
// entries on the mirror status board.
package metrics
