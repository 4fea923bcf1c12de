package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultSearchPage  = 1
	defaultSearchLimit = 20
)

type searchResponse struct {
	Messages   json.RawMessage `json:"messages"`
	Pagination *Pagination     `json:"pagination"`
}

// SearchMessages searches channelID for query and keeps only results present
// in the cached channel sequence. An empty query clears the channel search
// without a request.
func (s *Syncer) SearchMessages(ctx context.Context, channelID, query string, page, limit int) (SearchState, error) {
	if channelID == "" {
		return SearchState{}, s.invalid("channelId", "Channel ID is required to search messages")
	}
	return s.search(ctx, ScopeChannel, channelSearchPath(channelID), query, page, limit, "Failed to search messages")
}

// SearchDirectMessages searches the conversation with friendID. Results are
// filtered against the cached direct sequence.
func (s *Syncer) SearchDirectMessages(ctx context.Context, friendID, query string, page, limit int) (SearchState, error) {
	if friendID == "" {
		return SearchState{}, s.invalid("friendId", "Friend ID is required to search direct messages")
	}
	return s.search(ctx, ScopeDirect, directSearchPath(friendID), query, page, limit, "Failed to search direct messages")
}

// ClearSearch resets both search states.
func (s *Syncer) ClearSearch() {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	s.channelSearch = SearchState{}
	s.directSearch = SearchState{}
}

// ChannelSearch returns the last channel search state.
func (s *Syncer) ChannelSearch() SearchState {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	return s.channelSearch
}

// DirectSearch returns the last direct search state.
func (s *Syncer) DirectSearch() SearchState {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	return s.directSearch
}

func (s *Syncer) setSearch(scope Scope, fn func(*SearchState)) SearchState {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	st := &s.channelSearch
	if scope == ScopeDirect {
		st = &s.directSearch
	}
	fn(st)
	return *st
}

func (s *Syncer) search(ctx context.Context, scope Scope, path, query string, page, limit int, failure string) (SearchState, error) {
	if strings.TrimSpace(query) == "" {
		return s.setSearch(scope, func(st *SearchState) { *st = SearchState{} }), nil
	}
	if page <= 0 {
		page = defaultSearchPage
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	s.setSearch(scope, func(st *SearchState) { st.Query = query })
	s.store.setFlag(flagSearching, true)
	defer s.store.setFlag(flagSearching, false)

	reset := func(st *SearchState) {
		st.Results = nil
		st.Pagination = nil
	}

	env, err := s.api.Get(ctx, path, map[string]string{
		"query": query,
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	})
	if err != nil {
		s.log.Warn("search failed", zap.Stringer("scope", scope), zap.Error(err))
		s.notify(errorMessage(err, failure))
		return s.setSearch(scope, reset), fmt.Errorf("search %s: %w", scope, err)
	}
	if !env.HasData() {
		s.notify("Invalid search response from server")
		return s.setSearch(scope, reset), ErrInvalidResponse
	}

	var resp searchResponse
	if err := env.Decode(&resp); err != nil {
		s.notify("Invalid search response from server")
		return s.setSearch(scope, reset), fmt.Errorf("search %s: %w: %v", scope, ErrInvalidResponse, err)
	}
	found, err := DecodeMessages(resp.Messages)
	if err != nil {
		s.notify("Invalid search response from server")
		return s.setSearch(scope, reset), fmt.Errorf("search %s: %w: %v", scope, ErrInvalidResponse, err)
	}

	results := intersectCached(found, s.store.Messages(scope))
	var pagination *Pagination
	if resp.Pagination != nil {
		p := *resp.Pagination
		p.Total = len(results)
		pagination = &p
	}
	return s.setSearch(scope, func(st *SearchState) {
		st.Results = results
		st.Pagination = pagination
	}), nil
}

// intersectCached keeps the results whose id or alternate id is cached.
func intersectCached(results, cached []Message) []Message {
	ids := make(map[string]struct{}, len(cached))
	for _, m := range cached {
		ids[m.ID] = struct{}{}
	}
	out := make([]Message, 0, len(results))
	for _, r := range results {
		_, byID := ids[r.ID]
		_, byAlt := ids[r.AltID]
		if byID || (r.AltID != "" && byAlt) {
			out = append(out, r)
		}
	}
	return out
}
