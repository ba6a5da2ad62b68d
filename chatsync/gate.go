package chatsync

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"buzzconnect/models"
)

// RequestGate keeps the receiver-side split between accepted conversation
// partners and pending first-contact requests.
type RequestGate struct {
	remote   ConversationService
	profiles ProfileLookup
	follows  FollowGraph
	me       string
	opts     options

	mu       sync.Mutex
	requests []models.ChatRequest
	partners []models.Profile
	changes  chan struct{}
}

func NewRequestGate(sess Session, remote ConversationService, profiles ProfileLookup, follows FollowGraph, opts ...Option) *RequestGate {
	return &RequestGate{
		remote:   remote,
		profiles: profiles,
		follows:  follows,
		me:       sess.Handle,
		opts:     newOptions(opts),
		changes:  make(chan struct{}, 1),
	}
}

// Changes signals after either view was refreshed.
func (g *RequestGate) Changes() <-chan struct{} { return g.changes }

func (g *RequestGate) signal() {
	select {
	case g.changes <- struct{}{}:
	default:
	}
}

// ListRequests fetches the pending requests addressed to the session user in
// the order the service returns them. On failure the last known list is kept.
func (g *RequestGate) ListRequests(ctx context.Context) []models.ChatRequest {
	requests, err := g.remote.ListRequests(ctx, g.me)
	if err != nil {
		g.opts.log.Warn().Err(err).Msg("list chat requests")
		return g.Requests()
	}

	pending := make([]models.ChatRequest, 0, len(requests))
	for _, req := range requests {
		if req.Receiver == g.me && req.Sender != g.me {
			pending = append(pending, req)
		}
	}

	g.mu.Lock()
	g.requests = pending
	g.mu.Unlock()
	g.signal()
	return g.Requests()
}

// Accept turns sender's request into a normal conversation and refreshes the
// request list and the partner list.
func (g *RequestGate) Accept(ctx context.Context, sender string) error {
	if err := g.remote.AcceptRequest(ctx, sender, g.me); err != nil {
		g.opts.log.Warn().Err(err).Str("sender", sender).Msg("accept chat request")
		return err
	}
	g.opts.metrics.RequestTransitions.WithLabelValues("accept").Inc()

	g.dropRequest(sender)
	g.ListRequests(ctx)
	g.LoadConversationUsers(ctx)
	return nil
}

// Ignore deletes sender's request. Messages already exchanged stay and the
// sender may ask again later.
func (g *RequestGate) Ignore(ctx context.Context, sender string) error {
	if err := g.remote.DeleteRequest(ctx, sender, g.me); err != nil {
		g.opts.log.Warn().Err(err).Str("sender", sender).Msg("ignore chat request")
		return err
	}
	g.opts.metrics.RequestTransitions.WithLabelValues("ignore").Inc()

	g.dropRequest(sender)
	g.ListRequests(ctx)
	return nil
}

func (g *RequestGate) dropRequest(sender string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.requests[:0:0]
	for _, req := range g.requests {
		if req.Sender != sender {
			kept = append(kept, req)
		}
	}
	g.requests = kept
}

// LoadConversationUsers returns the profiles of everyone the session user can
// message: chat partners and followed handles, without self or duplicates.
// Handles whose profile cannot be fetched are dropped. If either source fails
// the last known list is returned.
func (g *RequestGate) LoadConversationUsers(ctx context.Context) []models.Profile {
	var partners, following []string
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		partners, err = g.remote.GetConversations(gctx, g.me)
		return err
	})
	group.Go(func() error {
		var err error
		following, err = g.follows.GetFollowing(gctx, g.me)
		return err
	})
	if err := group.Wait(); err != nil {
		g.opts.log.Warn().Err(err).Msg("load conversation users")
		return g.Partners()
	}

	handles := make([]string, 0, len(partners)+len(following))
	seen := map[string]struct{}{g.me: {}}
	for _, list := range [][]string{partners, following} {
		for _, h := range list {
			if _, ok := seen[h]; ok || h == "" {
				continue
			}
			seen[h] = struct{}{}
			handles = append(handles, h)
		}
	}

	profiles := make([]*models.Profile, len(handles))
	lookups := new(errgroup.Group)
	lookups.SetLimit(g.opts.fetchLimit)
	for i, h := range handles {
		i, h := i, h
		lookups.Go(func() error {
			p, err := g.profiles.GetUser(ctx, h)
			if err != nil {
				g.opts.log.Debug().Err(err).Str("handle", h).Msg("drop unresolved conversation user")
				return nil
			}
			profiles[i] = &p
			return nil
		})
	}
	_ = lookups.Wait()

	resolved := make([]models.Profile, 0, len(profiles))
	for _, p := range profiles {
		if p != nil {
			resolved = append(resolved, *p)
		}
	}

	g.mu.Lock()
	g.partners = resolved
	g.mu.Unlock()
	g.signal()
	return g.Partners()
}

// Classify reports where handle stands from the session user's side, using
// the last loaded lists.
func (g *RequestGate) Classify(handle string) models.Relationship {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, req := range g.requests {
		if req.Sender == handle {
			return models.RelationshipPending
		}
	}
	for _, p := range g.partners {
		if p.Username == handle {
			return models.RelationshipAccepted
		}
	}
	return models.RelationshipNone
}

// Requests returns the last loaded request list.
func (g *RequestGate) Requests() []models.ChatRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.ChatRequest(nil), g.requests...)
}

// Partners returns the last loaded partner profiles.
func (g *RequestGate) Partners() []models.Profile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.Profile(nil), g.partners...)
}
