package livesync

import "strconv"

// Cache resources invalidated by change notifications.
const (
	ResourceTournament      = "tournament"
	ResourceTournaments     = "tournaments"
	ResourceMatches         = "matches"
	ResourceStandings       = "standings"
	ResourcePlayers         = "players"
	ResourceComments        = "comments"
	ResourceCommentsSummary = "comments_summary"
)

// Route maps a message to its coalescing key and the cache keys to
// invalidate when that key fires. fallback is the tournament the channel is
// bound to, used when the payload does not name one. Liveness
// acknowledgments, unrecognized events and plain text are not routed.
func Route(m Message, fallback int64) (key string, keys []CacheKey, ok bool) {
	if m.Kind != KindEvent || m.Noop() {
		return "", nil, false
	}

	id := fallback
	if s, ok := m.Scope(); ok && s.TournamentID != 0 {
		id = s.TournamentID
	}

	switch m.Event {
	case EventTournamentUpdated, EventPlayersUpdated, EventScheduleGenerated, EventMatchesReordered:
		if id == 0 {
			return "", nil, false
		}
		return ResourceTournament + ":" + strconv.FormatInt(id, 10), []CacheKey{
			{Resource: ResourceTournament, ID: id},
			{Resource: ResourceMatches, ID: id},
			{Resource: ResourceStandings, ID: id},
			{Resource: ResourcePlayers, ID: id},
		}, true

	case EventTournamentDeleted:
		if id == 0 {
			return ResourceTournaments, []CacheKey{{Resource: ResourceTournaments}}, true
		}
		return ResourceTournaments + ":" + strconv.FormatInt(id, 10), []CacheKey{
			{Resource: ResourceTournaments},
			{Resource: ResourceTournament, ID: id},
		}, true

	case EventCommentsUpdated:
		if id == 0 {
			return "", nil, false
		}
		return ResourceComments + ":" + strconv.FormatInt(id, 10), []CacheKey{
			{Resource: ResourceComments, ID: id},
			{Resource: ResourceCommentsSummary, ID: id},
		}, true
	}
	return "", nil, false
}
