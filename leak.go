package callqueue

import "go.uber.org/goleak"

// FindGoroutineLeaks finds any goroutine leaks after a program is done running. This
// should be used at the end of a main test run or a top-level process run.
func FindGoroutineLeaks(options ...goleak.Option) error {
	optsCopy := make([]goleak.Option, len(options), len(options)+3)
	copy(optsCopy, options)
	optsCopy = append(optsCopy,
		// the mongo driver reuses this pool across clients
		goleak.IgnoreTopFunction("go.mongodb.org/mongo-driver/mongo.(*Client).Connect.func1"),

		// net/http.(*Transport).CloseIdleConnections() doesn't interrupt in-progress connection attempts
		goleak.IgnoreTopFunction("net.(*netFD).connect.func2"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
	return goleak.Find(optsCopy...)
}
