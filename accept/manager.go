package accept

import (
	"fmt"
	"sync"

	codelet "github.com/Paranoid-AF/codelet"
)

// Completion describes a delivered completion handed to the Manager.
type Completion struct {
	URI        string
	LanguageID string
	// Prefix is the line text before the anchor.
	Prefix string
	Text   string
	Anchor codelet.Position
}

// Finished describes a session that ended. Accepted is true when any part
// of the completion was inserted.
type Finished struct {
	ID string
	Completion
	Inserted string
	Accepted bool
}

type managed struct {
	session Session
	meta    Completion
}

// Manager keeps one acceptance session per document. Safe for concurrent use.
type Manager struct {
	onFinish func(Finished)

	mu       sync.Mutex
	sessions map[string]*managed
}

// NewManager creates a Manager. onFinish, if non-nil, is called outside the
// lock whenever a session ends by accept-all, reject, running out of text,
// or being replaced. A session replaced before anything was inserted is
// reported as not accepted.
func NewManager(onFinish func(Finished)) *Manager {
	return &Manager{
		onFinish: onFinish,
		sessions: make(map[string]*managed),
	}
}

// Start begins a session for c, replacing the document's current one.
// It returns the new session id, or "" when c.Text is empty.
func (m *Manager) Start(c Completion) string {
	m.mu.Lock()
	var replaced *Finished
	if old, ok := m.sessions[c.URI]; ok {
		f := old.finished()
		replaced = &f
	}
	delete(m.sessions, c.URI)

	id := ""
	if c.Text != "" {
		ms := &managed{meta: c}
		ms.session.Initialize(c.Text, c.Anchor, c.URI)
		m.sessions[c.URI] = ms
		id = ms.session.ID()
	}
	m.mu.Unlock()

	if replaced != nil {
		m.report(*replaced)
	}
	return id
}

// Accept applies mode to the document's session.
func (m *Manager) Accept(uri string, mode codelet.AcceptMode) (codelet.AcceptResponse, error) {
	m.mu.Lock()
	ms, ok := m.sessions[uri]
	if !ok {
		m.mu.Unlock()
		return codelet.AcceptResponse{Edits: []codelet.Edit{}}, ErrNoActiveCompletion
	}

	s := &ms.session
	var edit codelet.Edit
	var err error
	switch mode {
	case codelet.AcceptLine:
		edit, _, err = s.AcceptNextLine()
	case codelet.AcceptWord:
		edit, _, err = s.AcceptNextWord()
	case codelet.AcceptAll:
		edit, err = s.AcceptAll()
	case codelet.AcceptReject:
		err = s.Reject()
	default:
		err = fmt.Errorf("unknown accept mode %q", mode)
	}

	resp := codelet.AcceptResponse{
		Edits:     []codelet.Edit{},
		Remaining: s.RemainingText(),
		Active:    s.HasActiveCompletion(),
	}
	if err == nil && edit.Text != "" {
		resp.Edits = append(resp.Edits, edit)
	}

	var done *Finished
	if !s.HasActiveCompletion() {
		f := ms.finished()
		done = &f
		delete(m.sessions, uri)
	}
	m.mu.Unlock()

	if done != nil {
		m.report(*done)
	}
	return resp, err
}

// Active reports whether uri has an active session.
func (m *Manager) Active(uri string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[uri]
	return ok && ms.session.HasActiveCompletion()
}

// Remaining returns the unconsumed text of uri's session.
func (m *Manager) Remaining(uri string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.sessions[uri]; ok {
		return ms.session.RemainingText()
	}
	return ""
}

// Drop discards uri's session without reporting it.
func (m *Manager) Drop(uri string) {
	m.mu.Lock()
	delete(m.sessions, uri)
	m.mu.Unlock()
}

func (ms *managed) finished() Finished {
	inserted := ms.session.Inserted()
	return Finished{
		ID:         ms.session.ID(),
		Completion: ms.meta,
		Inserted:   inserted,
		Accepted:   inserted != "",
	}
}

func (m *Manager) report(f Finished) {
	if m.onFinish != nil {
		m.onFinish(f)
	}
}
