// Package session implements the server-side per-connection state
// machine of spec.md §4.6: Authenticating -> (Idle|AwaitingGrant) ->
// Error?, one Session per accepted net.Conn.
//
// Grounded on the teacher's per-component "logger + stopCh" shape
// crossed with smux's split recv-loop/dispatch design
// (139bf036_superfly-smux__session.go.go): a dedicated goroutine reads
// framed messages off the wire and pushes them onto a channel; Run()
// multiplexes that channel against the device's broker subscription
// (fan-out wakeups), an idle watchdog timer, and a close signal in one
// select loop, so nothing blocks on the network read while a wakeup or
// timeout is pending.
//
// Every handler returns a typed error rather than panicking for a
// protocol violation (REDESIGN FLAGS "exceptions for control flow");
// classify() turns store/crypto errors into the wire.ErrorType
// taxonomy of spec.md §7, and the recv loop writes a typed Error frame
// before deciding whether the session may continue.
package session
