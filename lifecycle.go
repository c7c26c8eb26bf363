package beamlink

import "sync"

// ============================================================================
// Host Application Lifecycle
// ============================================================================

// AppState is the three-state signal the host application feeds the SDK.
type AppState int

const (
	AppStateForeground AppState = iota
	AppStateBackground
	AppStateTerminated
)

// AppStateNotifier is a small pub/sub the host drives with application state
// transitions. The initial state is foreground.
type AppStateNotifier struct {
	mu        sync.Mutex
	seq       int
	observers map[int]func(AppState)
}

func NewAppStateNotifier() *AppStateNotifier {
	return &AppStateNotifier{observers: make(map[int]func(AppState))}
}

// Subscribe registers an observer and returns its registration id.
func (n *AppStateNotifier) Subscribe(fn func(AppState)) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	n.observers[n.seq] = fn
	return n.seq
}

// Unsubscribe removes an observer. Unknown ids are ignored.
func (n *AppStateNotifier) Unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.observers, id)
}

// Notify delivers a state transition to all observers. Observers run outside
// the notifier's lock.
func (n *AppStateNotifier) Notify(state AppState) {
	n.mu.Lock()
	observers := make([]func(AppState), 0, len(n.observers))
	for _, fn := range n.observers {
		observers = append(observers, fn)
	}
	n.mu.Unlock()
	for _, fn := range observers {
		fn(state)
	}
}

// ============================================================================
// Lifecycle Bridge
// ============================================================================

// lifecycleBridge maps host application state transitions to connection
// intents, sharing the same facade entry points used by direct callers.
type lifecycleBridge struct {
	client   *Client
	notifier *AppStateNotifier

	mu      sync.Mutex
	subID   int
	cleaned bool
}

func newLifecycleBridge(client *Client, notifier *AppStateNotifier) *lifecycleBridge {
	b := &lifecycleBridge{client: client, notifier: notifier}
	b.subID = notifier.Subscribe(b.handle)
	return b
}

func (b *lifecycleBridge) handle(state AppState) {
	switch state {
	case AppStateBackground, AppStateTerminated:
		// Non-manual end, so auto-reconnect on return to foreground stays
		// eligible.
		b.client.suspendStream()
	case AppStateForeground:
		b.client.resumeStream()
	}
}

// Cleanup unregisters the observer. Idempotent and safe from any goroutine.
func (b *lifecycleBridge) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleaned {
		return
	}
	b.cleaned = true
	b.notifier.Unsubscribe(b.subID)
}
