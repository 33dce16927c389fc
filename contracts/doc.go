// Package contracts provides the message types exchanged with the broker.
//
//   - Envelope: the JSON wrapper published for every message
//     ({"body", "__id", "__timestamp", "__source"})
//   - Codec: envelope serialization, with JSONCodec as the wire format
//   - Message: a received message as seen by handlers (routing key,
//     envelope, retry count)
//   - Outcome: what a handler reports back (Success or Failure)
package contracts
