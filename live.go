package livesync

import "log/slog"

// Live binds channel subscriptions to cache invalidation: every message is
// handed to the caller's handler as received, and routed messages schedule
// one coalesced Invalidate per key and window.
type Live struct {
	reg *Registry
	co  *Coalescer
	inv Invalidator
	eps Endpoints
	log *slog.Logger
}

// NewLive creates the binding. reg may be nil to use Default().
func NewLive(reg *Registry, co *Coalescer, inv Invalidator, eps Endpoints) *Live {
	if reg == nil {
		reg = Default()
	}
	return &Live{
		reg: reg,
		co:  co,
		inv: inv,
		eps: eps,
		log: reg.log,
	}
}

// WatchTournament follows changes to one tournament.
func (l *Live) WatchTournament(id int64, onMessage func(Message)) (*Subscription, error) {
	return l.watch(l.eps.Tournament(id), id, onMessage)
}

// WatchTournaments follows changes to any tournament.
func (l *Live) WatchTournaments(onMessage func(Message)) (*Subscription, error) {
	return l.watch(l.eps.Tournaments(), 0, onMessage)
}

// WatchMe follows the identity-scoped channel for token.
func (l *Live) WatchMe(token string, onMessage func(Message)) (*Subscription, error) {
	return l.watch(l.eps.Me(token), 0, onMessage)
}

func (l *Live) watch(url string, scope int64, onMessage func(Message)) (*Subscription, error) {
	return l.reg.Subscribe(url, func(m Message) {
		if key, keys, ok := Route(m, scope); ok {
			if l.co.ScheduleOnce(key, func() { l.inv.Invalidate(keys...) }) {
				l.log.Debug("invalidation scheduled", "key", key, "event", m.Event)
			}
		}
		if onMessage != nil {
			onMessage(m)
		}
	})
}
