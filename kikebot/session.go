package kikebot

import "sync"

// Session is the conversation state shared by every channel the bot
// talks in: the transcript, the active persona, and the channel the bot
// was last addressed in.
type Session struct {
	History *History

	mu          sync.RWMutex
	persona     string
	channelID   string
	replyingAll bool
	private     bool
}

func NewSession(history *History, persona string, replyingAll bool, private bool) *Session {
	return &Session{
		History:     history,
		persona:     persona,
		replyingAll: replyingAll,
		private:     private,
	}
}

func (s *Session) Persona() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persona
}

func (s *Session) SetPersona(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persona = name
}

// BoundChannel is the channel of the most recent request
func (s *Session) BoundChannel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelID
}

func (s *Session) BindChannel(channelID string) {
	if channelID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelID = channelID
}

func (s *Session) ReplyingAll() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replyingAll
}

// ToggleReplyingAll flips reply-all mode and returns the new value
func (s *Session) ToggleReplyingAll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyingAll = !s.replyingAll
	return s.replyingAll
}

func (s *Session) Private() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.private
}

func (s *Session) SetPrivate(private bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.private = private
}
