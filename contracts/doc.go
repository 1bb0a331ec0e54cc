// Package contracts provides the wire types shared by every gateway package.
//
// This package defines:
//   - Envelope: the JSON frame exchanged with clients and over the broker
//   - Identity: the verified caller carried in a signed token
//   - Document: a stored entity with its access control list
//
// Envelopes are encoded with the keys id, replyto, command, data, jwt and
// priority. Replies carry the request id in replyto.
package contracts
