package app

import (
	"context"
	"log"
	"sync"

	"chronicle/comments/internal/comments"
	"chronicle/comments/internal/lifecycle"
)

const (
	MessageState    = "state"
	MessageSaved    = "saved"
	MessageReloaded = "reloaded"
)

const subscriberBuffer = 64

// Message is pushed to event subscribers. Comment events use the event kind
// as Type.
type Message struct {
	Type       string           `json:"type"`
	DocumentID string           `json:"documentId"`
	Event      *comments.Event  `json:"event,omitempty"`
	State      *lifecycle.State `json:"state,omitempty"`
	Save       *SaveResult      `json:"save,omitempty"`
}

// Subscribe streams a document's messages until the returned func is called.
// Slow subscribers lose messages rather than block writers.
func (s *Service) Subscribe(ctx context.Context, documentID string) (<-chan Message, func(), error) {
	if _, err := s.workspace(ctx, documentID); err != nil {
		return nil, nil, err
	}

	ch := make(chan Message, subscriberBuffer)
	s.subMu.Lock()
	s.subSeq++
	id := s.subSeq
	if s.subs[documentID] == nil {
		s.subs[documentID] = make(map[int]chan Message)
	}
	s.subs[documentID][id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subs[documentID], id)
			if len(s.subs[documentID]) == 0 {
				delete(s.subs, documentID)
			}
			close(ch)
		})
	}, nil
}

func (s *Service) broadcast(documentID string, msg Message) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs[documentID] {
		select {
		case ch <- msg:
		default:
			log.Printf("comments: %s: subscriber %d is full, dropped %s", documentID, id, msg.Type)
		}
	}
}
