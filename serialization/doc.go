// Package serialization holds the payload codecs used by the messaging
// patterns. JSON is the default; msgpack and protobuf are available for
// services that agree on them. The content type travels with every message so
// receivers can pick the matching codec from a Registry.
package serialization
