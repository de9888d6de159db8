// Package protocol implements the framing and the payload codecs that Hermes
// uses to talk to its clients.
//
// The protocol aims to be
//
// - easy to implement on top of non-blocking sockets
// - incremental to parse, a frame can arrive in any number of pieces
// - human readable once the length prefix is stripped
//
// === Frames
//
//   ```
//   [2-byte big-endian header length][header bytes][payload bytes]
//   ```
//
// The header is a mapping encoded with the same codec as the payload (always
// as utf-8). It must carry
//
// - `content-length`   - exact byte length of the payload
// - `content-encoding` - text encoding of the payload, e.g. `utf-8`
//
// The text codec header also carries `byteorder` and `content-type`
// (`text/json`). The legacy codec header carries `byteorder` and `version`,
// which must be 1.
//
// A header without the mandatory fields, or with the wrong version, is fatal
// to the connection. A payload that is not fully buffered is not an error,
// the reader waits for more bytes.
//
// === Codecs
//
// - `text`   - JSON.
// - `legacy` - JSON plus a tuple literal `(1,2)` that is distinct from the
//              array literal `[1,2]`. Strings only know the escapes
//              `\\ \" \n \t \/`.
//
// The text codec has no tuple literal, a Tuple decodes as a Sequence after a
// text round trip. Readers of `messages` rows accept both shapes.
//
// === Actions
//
// Every payload is a mapping with an `action` tag.
//
//   ```
//   > {"action":"register","username":"alice","passhash":"pw"}
//   < {"action":"register","result":true,"users":[]}
//
//   > {"action":"send_message","sender":"alice","recipient":"bob","message":"hi"}
//   < {"action":"send_message","message_id":1}
//   ```
//
// The server also pushes actions that were never requested:
//
// - `ping`      - a new message for a live recipient
//                 `{sender, sent_message, message_id}`. The recipient echoes
//                 it back to mark the message delivered.
// - `ping_user` - a user registered or deleted their account.
//
// Actions without a result field in their success shape (`load_chat`,
// `send_message`, `view_undelivered`) answer `{"action":..., "result":false}`
// when the server could not serve them.
package protocol
