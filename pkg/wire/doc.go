/*
Package wire implements vaultsync's binary message framing and the full
client/server message catalogue.

It is grounded on the split recv-loop framing style used by smux's raw
session reader (fixed header, tag-dispatch, transactional consumption)
but generalizes the header to the richer field model this protocol
needs: every message is a name tag followed by fields in declared
order, rather than smux's fixed four-field stream frame.

# Frame layout

	┌──────────┬────────────┬───────────┬────────────────────┐
	│ tagLen(1)│ tag(tagLen)│ bodyLen(4)│ body(bodyLen)       │
	└──────────┴────────────┴───────────┴────────────────────┘

A single standalone byte 0xFF is a ping/pong frame and is recognized
before any tag-length parsing is attempted, because a real tag length
is bounded to [1,64] and 0xFF never appears there.

# Transactional reads

Reader.ReadMessage peeks the fixed-size header (tag length, tag, body
length) through a small bounded bufio.Reader and only discards it once
it has been fully validated. The body is then read into a growable
buffer allocated to the frame's own length prefix, so a body up to
MaxBodyLen never depends on the size of the internal bufio buffer. A
short read yields ErrNeedsMore: a short header leaves the cursor in
place, while a short body is reported after the header and the body
bytes read so far have been consumed. Decode
failures on a complete frame yield ErrMalformedMessage and do advance
the cursor, since the frame itself is now known to be bad and retrying
it would loop forever.

# Signed messages

A handful of client-to-server messages (Register, Login, Access,
Accept, NewKey) declare a trailing Signature field. The signature
covers every byte of the message's other fields, encoded in order, but
not the signature field itself. Reader captures that prefix at decode
time (SignedPrefix()) so pkg/session and pkg/crypto can verify it
against the claimed device's signing key without re-encoding the
message by hand.
*/
package wire
