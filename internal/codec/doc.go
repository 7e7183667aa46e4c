// Package codec serializes the two kinds of data kvs moves around: log
// commands appended to segment files, and request/response messages
// exchanged with clients.
//
// # Log records
//
// Every command in a segment is written as a self-describing frame:
//
//	┌──────────────┬──────────────┬──────────────────────────────┐
//	│ xxhash64 (8) │ length (4)   │ payload (length bytes)       │
//	└──────────────┴──────────────┴──────────────────────────────┘
//
// The payload is a JSON document carrying the command type, the key and (for
// sets) the value:
//
//	{"op":"set","key":"YQ==","value":"MQ=="}
//	{"op":"remove","key":"YQ=="}
//
// Keys and values travel as byte slices, so arbitrary bytes round-trip
// exactly. The checksum lets replay tell a torn tail apart from a valid
// record.
//
// # Wire messages
//
// Requests and responses are single JSON documents written back to back on
// the connection. The JSON structure terminates itself, so no length prefix
// is needed:
//
//	→ {"op":"get","key":"YQ=="}
//	← {"status":"ok","found":true,"value":"MQ=="}
//	→ {"op":"remove","key":"Yg=="}
//	← {"status":"err","message":"Key not found"}
//
// All functions in this package are pure; Encoder and Decoder only wrap the
// stream they were built with and are not safe for concurrent use.
package codec
