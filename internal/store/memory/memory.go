// Package memory is the ephemeral Session Store. Its maps belong to a single
// goroutine; transactions are closures delivered through an inbox and run one
// at a time, so no lock is needed and none is exposed.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/DoyleJ11/tictactoe-backend/internal/store"
)

type txRequest struct {
	fn    func(store.Tx) error
	reply chan error
}

type Store struct {
	inbox        chan txRequest
	sessions     map[string]store.Session
	participants map[string]store.Participant
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
}

var _ store.Store = (*Store)(nil)

func New(parent context.Context) *Store {
	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		inbox:        make(chan txRequest, 64),
		sessions:     make(map[string]store.Session),
		participants: make(map[string]store.Participant),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Store) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.inbox:
			req.reply <- s.run(req.fn)
		}
	}
}

func (s *Store) run(fn func(store.Tx) error) (err error) {
	tx := &txn{
		s:            s,
		sessions:     make(map[string]*store.Session),
		participants: make(map[string]*store.Participant),
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memory store: transaction panicked: %v", r)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Tx hands fn to the owner goroutine and waits for it to finish. ctx only
// bounds the wait for a turn; once fn has started it runs to completion.
func (s *Store) Tx(ctx context.Context, fn func(store.Tx) error) error {
	req := txRequest{fn: fn, reply: make(chan error, 1)}
	select {
	case s.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return store.ErrClosed
	}

	select {
	case err := <-req.reply:
		return err
	case <-s.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return store.ErrClosed
		}
	}
}

func (s *Store) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// txn stages writes over the owner's maps. A nil entry marks a deletion.
type txn struct {
	s            *Store
	sessions     map[string]*store.Session
	participants map[string]*store.Participant
}

func (t *txn) session(gameID string) (store.Session, bool) {
	if staged, ok := t.sessions[gameID]; ok {
		if staged == nil {
			return store.Session{}, false
		}
		return *staged, true
	}
	sess, ok := t.s.sessions[gameID]
	return sess, ok
}

func (t *txn) participant(id string) (store.Participant, bool) {
	if staged, ok := t.participants[id]; ok {
		if staged == nil {
			return store.Participant{}, false
		}
		return *staged, true
	}
	p, ok := t.s.participants[id]
	return p, ok
}

func (t *txn) FindSession(gameID string) (store.Session, error) {
	sess, ok := t.session(gameID)
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (t *txn) CreateSession(sess store.Session) error {
	if _, ok := t.session(sess.GameID); ok {
		return nil
	}
	t.sessions[sess.GameID] = &sess
	return nil
}

func (t *txn) PatchSession(gameID string, p store.SessionPatch) error {
	sess, ok := t.session(gameID)
	if !ok {
		return store.ErrNotFound
	}
	p.Apply(&sess)
	t.sessions[gameID] = &sess
	return nil
}

func (t *txn) DeleteSession(gameID string) error {
	if _, ok := t.session(gameID); !ok {
		return store.ErrNotFound
	}
	t.sessions[gameID] = nil
	return nil
}

func (t *txn) FindParticipant(participantID string) (store.Participant, error) {
	p, ok := t.participant(participantID)
	if !ok {
		return store.Participant{}, store.ErrNotFound
	}
	return p, nil
}

func (t *txn) FindParticipantsByGame(gameID string) ([]store.Participant, error) {
	ids := make(map[string]struct{}, len(t.s.participants)+len(t.participants))
	for id := range t.s.participants {
		ids[id] = struct{}{}
	}
	for id := range t.participants {
		ids[id] = struct{}{}
	}

	var out []store.Participant
	for id := range ids {
		if p, ok := t.participant(id); ok && p.GameID == gameID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b store.Participant) int {
		return strings.Compare(a.ParticipantID, b.ParticipantID)
	})
	return out, nil
}

func (t *txn) CreateParticipant(p store.Participant) error {
	if _, ok := t.participant(p.ParticipantID); ok {
		return store.ErrAlreadyExists
	}
	t.participants[p.ParticipantID] = &p
	return nil
}

func (t *txn) PatchParticipant(participantID string, patch store.ParticipantPatch) error {
	p, ok := t.participant(participantID)
	if !ok {
		return store.ErrNotFound
	}
	patch.Apply(&p)
	t.participants[participantID] = &p
	return nil
}

func (t *txn) DeleteParticipant(participantID string) error {
	if _, ok := t.participant(participantID); !ok {
		return store.ErrNotFound
	}
	t.participants[participantID] = nil
	return nil
}

func (t *txn) commit() {
	for id, sess := range t.sessions {
		if sess == nil {
			delete(t.s.sessions, id)
			continue
		}
		t.s.sessions[id] = *sess
	}
	for id, p := range t.participants {
		if p == nil {
			delete(t.s.participants, id)
			continue
		}
		t.s.participants[id] = *p
	}
}
