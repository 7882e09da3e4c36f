package gateway

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

const chatsKey = "chats"

// ConversationLister is the read-only slice of Gateway used by the side list.
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
}

// CachedLister serves the chat list from memory for ttl after each
// successful fetch. Failed fetches are not cached. A non-positive ttl
// disables caching.
type CachedLister struct {
	next  ConversationLister
	ttl   time.Duration
	cache *cache.Cache
}

func NewCachedLister(next ConversationLister, ttl time.Duration) *CachedLister {
	return &CachedLister{
		next:  next,
		ttl:   ttl,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (l *CachedLister) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	if l.ttl <= 0 {
		return l.next.ListConversations(ctx)
	}
	if x, found := l.cache.Get(chatsKey); found {
		return append([]ConversationSummary(nil), x.([]ConversationSummary)...), nil
	}
	chats, err := l.next.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	l.cache.Set(chatsKey, chats, cache.DefaultExpiration)
	return append([]ConversationSummary(nil), chats...), nil
}

// Invalidate drops the cached list so the next call refetches.
func (l *CachedLister) Invalidate() {
	l.cache.Delete(chatsKey)
}
