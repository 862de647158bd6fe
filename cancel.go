package wire

import "sync"

// cancelKey identifies a connection for out-of-band CancelRequest routing.
type cancelKey struct {
	pid    int32
	secret int32
}

// cancelRegistry maps (backend_pid, backend_secret) to the session currently
// holding that identity, so a CancelRequest on a second TCP connection can
// reach across to the target connection's goroutine.
type cancelRegistry struct {
	mu      sync.Mutex
	entries map[cancelKey]*session
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{entries: make(map[cancelKey]*session)}
}

func (r *cancelRegistry) register(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[cancelKey{pid: sess.backendPID, secret: sess.backendSecret}] = sess
}

func (r *cancelRegistry) unregister(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, cancelKey{pid: sess.backendPID, secret: sess.backendSecret})
}

// cancel signals the session registered under (pid, secret), if any. It
// returns whether a matching session was found.
func (r *cancelRegistry) cancel(pid, secret int32) bool {
	r.mu.Lock()
	sess, ok := r.entries[cancelKey{pid: pid, secret: secret}]
	r.mu.Unlock()

	if !ok {
		return false
	}

	sess.requestCancel()
	return true
}
