// Package call implements the call-session core of a single-call SIP/WebRTC phone.
//
// The package is organized around five cooperating components:
//
//   - [Registrar] owns the identity registration lifecycle on top of a [SignalingTransport].
//   - [Registry] tracks call sessions by identifier and enforces the single-active-session rule.
//   - [Session] is the per-call protocol state machine.
//   - [MediaCoordinator] acquires local media, binds remote media and releases both.
//   - [Bridge] is the ordered outward stream of state changes.
//
// [Phone] wires them together and exposes the commands a user interface issues:
// [Phone.StartCall], [Phone.AnswerCall] and [Phone.EndCall].
//
// Session state graph:
//
//	outgoing: idle -initiate-> negotiating -provider_accepted-> ringing -remote_accepted-> answered -media_confirmed-> active
//	incoming: idle -invite_received-> ringing -local_answer-> answered -media_confirmed-> active
//	{negotiating, ringing, answered, active} -terminate|remote_hangup-> ending -complete-> ended
//	any non-terminal state -protocol_error|timeout|media_failure-> failed
package call
