// Package timeutil provides Timer, a stoppable one-shot timer used for signaling timeouts.
//
// A Timer behaves like [time.AfterFunc] but remembers its start time, duration and state,
// so the owner can report how much time is left and whether the timer expired or was stopped.
//
//	tmr := timeutil.AfterFunc(30*time.Second, func() {
//	    // fire the timeout trigger
//	})
//	defer tmr.Stop()
//
// All timer operations are thread-safe. A nil *Timer is valid and behaves as a stopped timer.
package timeutil
