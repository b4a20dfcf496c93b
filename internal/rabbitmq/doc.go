// Package rabbitmq is the broker boundary of mmate-broker.
//
// This package includes:
//   - Channel, Connection, Dialer: the subset of amqp091-go the library talks to
//   - ConnectionManager: one lazily dialed connection with one shared channel
//   - TopologyManager: idempotent exchange, queue and binding declaration
//   - Publisher: publishing to exchanges and straight to queues
//   - Consumer: network-level consumers with per-queue prefetch
//
// The connection never reconnects by itself. A connection or channel error is
// returned to whoever triggered the operation and the next call dials again.
package rabbitmq
