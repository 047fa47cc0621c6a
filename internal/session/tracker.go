// Package session maintains one durable record per user translating raw
// rating observations into a bounded match history. Observations made while
// the user is merely spectating update the displayed rating but never
// produce history entries.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// MinGames and MaxGames bound the per-user history cap.
	MinGames = 10
	MaxGames = 200

	// DefaultMaxGames applies when no cap was configured.
	DefaultMaxGames = 50
)

// Result classifies one recorded game.
type Result string

const (
	ResultWin     Result = "win"
	ResultLoss    Result = "loss"
	ResultUnknown Result = "unknown"
)

// RoomMeta is the match context attached to rating observations: which room
// the game happened in, who played, and who won. A user matching neither
// player slot is a spectator.
type RoomMeta struct {
	RoomID    string `json:"room_id,omitempty"`
	Player1ID string `json:"player1_id,omitempty"`
	Player2ID string `json:"player2_id,omitempty"`
	WinnerID  string `json:"winner_id,omitempty"`
}

// Participant reports whether userID occupies one of the two player slots.
func (m RoomMeta) Participant(userID string) bool {
	if userID == "" {
		return false
	}
	return m.Player1ID == userID || m.Player2ID == userID
}

// Opponent returns the other player slot for a participant.
func (m RoomMeta) Opponent(userID string) string {
	switch userID {
	case m.Player1ID:
		return m.Player2ID
	case m.Player2ID:
		return m.Player1ID
	default:
		return ""
	}
}

// Game is one entry of a session's match history.
type Game struct {
	Timestamp   time.Time `json:"timestamp"`
	Delta       int       `json:"delta"`
	RatingAfter *int      `json:"ratingAfter"`
	Rank        *int      `json:"rank,omitempty"`
	Result      Result    `json:"result"`
	RoomID      string    `json:"roomId,omitempty"`
	OpponentID  string    `json:"opponentId,omitempty"`
	WinnerID    string    `json:"winnerId,omitempty"`
}

// Record is the persisted per-user session state. Rating and rank fields are
// pointers: nil means "never observed", which is distinct from a real value
// of zero. LastRating is the diff base for the next observation and is
// cleared on session start so the first observation seeds rather than
// records.
type Record struct {
	Active        bool       `json:"active"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	StoppedAt     *time.Time `json:"stoppedAt,omitempty"`
	StartRating   *int       `json:"startRating"`
	StartRank     *int       `json:"startRank"`
	CurrentRating *int       `json:"currentRating"`
	CurrentRank   *int       `json:"currentRank"`
	LastRating    *int       `json:"lastRating"`
	LastRank      *int       `json:"lastRank"`
	Games         []Game     `json:"games"`
	LastMatch     *RoomMeta  `json:"lastMatch,omitempty"`
	MaxGames      int        `json:"maxGames,omitempty"`
}

// Public is the read-only projection served to overlay clients. Internal
// bookkeeping (diff base, last match meta, cap) is omitted.
type Public struct {
	UserID        string     `json:"userId"`
	Active        bool       `json:"active"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	StoppedAt     *time.Time `json:"stoppedAt,omitempty"`
	StartRating   *int       `json:"startRating"`
	StartRank     *int       `json:"startRank"`
	CurrentRating *int       `json:"currentRating"`
	CurrentRank   *int       `json:"currentRank"`
	Games         []Game     `json:"games"`
}

type document struct {
	Users map[string]*Record `json:"users"`
}

// Tracker owns the session records and their backing file. Every mutating
// operation persists synchronously; call frequency is bounded by match
// cadence, so write latency is immaterial and a crash loses at most nothing.
type Tracker struct {
	mu       sync.Mutex
	path     string
	users    map[string]*Record
	maxGames int
	log      *zap.Logger
	now      func() time.Time
}

// New opens the tracker backed by the file at path. A missing file starts
// empty; a corrupt file is logged and discarded rather than crashing the
// relay.
func New(path string, maxGames int, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if maxGames <= 0 {
		maxGames = DefaultMaxGames
	}
	t := &Tracker{
		path:     path,
		users:    make(map[string]*Record),
		maxGames: clampGames(maxGames),
		log:      log,
		now:      time.Now,
	}
	t.load()
	return t
}

func clampGames(n int) int {
	if n < MinGames {
		return MinGames
	}
	if n > MaxGames {
		return MaxGames
	}
	return n
}

func intp(v int) *int { return &v }

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.log.Warn("read session store", zap.String("path", t.path), zap.Error(err))
		}
		return
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.log.Warn("corrupt session store, starting empty", zap.String("path", t.path), zap.Error(err))
		return
	}
	if doc.Users != nil {
		t.users = doc.Users
	}
	for _, rec := range t.users {
		if rec.Games == nil {
			rec.Games = []Game{}
		}
	}
}

// persist writes the whole document to disk. In-memory state is already
// updated and stays authoritative when the write fails.
func (t *Tracker) persist() {
	data, err := json.MarshalIndent(document{Users: t.users}, "", "  ")
	if err != nil {
		t.log.Error("marshal session store", zap.Error(err))
		return
	}
	if err := writeFileAtomic(t.path, data); err != nil {
		t.log.Error("persist session store", zap.String("path", t.path), zap.Error(err))
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// ensure returns the record for userID, creating it lazily. Records are
// never deleted, only deactivated.
func (t *Tracker) ensure(userID string) *Record {
	rec, ok := t.users[userID]
	if !ok {
		rec = &Record{Games: []Game{}}
		t.users[userID] = rec
	}
	return rec
}

// Start (re)activates the user's session. Supplied rating/rank seed the
// start values; otherwise the prior session's last known values carry over.
// History is cleared and the diff base reset so the first observation after
// start seeds rather than records.
func (t *Tracker) Start(userID string, rating, rank *int) Public {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.ensure(userID)
	startRating := cloneInt(rating)
	if startRating == nil {
		startRating = cloneInt(rec.LastRating)
	}
	startRank := cloneInt(rank)
	if startRank == nil {
		startRank = cloneInt(rec.LastRank)
	}

	now := t.now()
	rec.Active = true
	rec.StartedAt = &now
	rec.StoppedAt = nil
	rec.Games = []Game{}
	rec.StartRating = startRating
	rec.CurrentRating = cloneInt(startRating)
	rec.StartRank = startRank
	rec.CurrentRank = cloneInt(startRank)
	rec.LastRating = nil
	rec.LastRank = nil

	t.persist()
	return publicOf(userID, rec)
}

// Stop deactivates the session, keeping its history.
func (t *Tracker) Stop(userID string) Public {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.ensure(userID)
	now := t.now()
	rec.Active = false
	rec.StoppedAt = &now

	t.persist()
	return publicOf(userID, rec)
}

// RecordMatchMeta stores the most recent match context for userID, but only
// when the user is one of the two participants. Spectator calls are
// accepted and ignored.
func (t *Tracker) RecordMatchMeta(userID string, meta RoomMeta) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !meta.Participant(userID) {
		return
	}
	rec := t.ensure(userID)
	m := meta
	rec.LastMatch = &m
	t.persist()
}

// ApplyRatingChange ingests an absolute rating observation. It returns the
// appended history entry, or nil when the observation seeded, repeated, or
// was made as a spectator.
func (t *Tracker) ApplyRatingChange(userID string, rating int, rank *int, meta *RoomMeta) *Game {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.users[userID]
	if !ok || !rec.Active {
		return nil
	}
	if rank != nil {
		rec.CurrentRank = cloneInt(rank)
		rec.LastRank = cloneInt(rank)
	}

	// First observation since start: nothing to diff against yet.
	if rec.LastRating == nil {
		rec.CurrentRating = intp(rating)
		rec.LastRating = intp(rating)
		t.persist()
		return nil
	}

	last := *rec.LastRating
	if last == rating {
		t.persist()
		return nil
	}

	delta := rating - last
	rec.CurrentRating = intp(rating)
	rec.LastRating = intp(rating)

	eff := meta
	if eff == nil {
		eff = rec.LastMatch
	}

	var appended *Game
	if eff != nil && eff.Participant(userID) {
		g := Game{
			Timestamp:   t.now(),
			Delta:       delta,
			RatingAfter: intp(rating),
			Rank:        cloneInt(rank),
			Result:      deriveResult(eff.WinnerID, userID),
			RoomID:      eff.RoomID,
			OpponentID:  eff.Opponent(userID),
			WinnerID:    eff.WinnerID,
		}
		rec.Games = append(rec.Games, g)
		t.capHistory(rec)
		out := g
		appended = &out
	}

	t.persist()
	return appended
}

// ApplyRatingDelta ingests a known delta rather than an absolute rating.
// RatingAfter is computed from the last known rating when one exists. The
// caller-supplied result wins over winner derivation.
func (t *Tracker) ApplyRatingDelta(userID string, delta int, rank *int, result Result, meta *RoomMeta) *Game {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.users[userID]
	if !ok || !rec.Active {
		return nil
	}
	if rank != nil {
		rec.CurrentRank = cloneInt(rank)
		rec.LastRank = cloneInt(rank)
	}

	eff := meta
	if eff == nil {
		eff = rec.LastMatch
	}
	if eff == nil || !eff.Participant(userID) {
		t.persist()
		return nil
	}

	var after *int
	if rec.LastRating != nil {
		after = intp(*rec.LastRating + delta)
		rec.CurrentRating = cloneInt(after)
		rec.LastRating = cloneInt(after)
	}

	res := result
	if res == "" {
		res = deriveResult(eff.WinnerID, userID)
	}

	g := Game{
		Timestamp:   t.now(),
		Delta:       delta,
		RatingAfter: after,
		Rank:        cloneInt(rank),
		Result:      res,
		RoomID:      eff.RoomID,
		OpponentID:  eff.Opponent(userID),
		WinnerID:    eff.WinnerID,
	}
	rec.Games = append(rec.Games, g)
	t.capHistory(rec)

	t.persist()
	out := g
	return &out
}

// UpdateRank refreshes the displayed rank without touching history.
func (t *Tracker) UpdateRank(userID string, rank int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.ensure(userID)
	rec.CurrentRank = intp(rank)
	rec.LastRank = intp(rank)
	t.persist()
}

// SetMaxGames adjusts the user's history cap, clamped to [MinGames,
// MaxGames], truncating existing history when it now exceeds the cap.
func (t *Tracker) SetMaxGames(userID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.ensure(userID)
	rec.MaxGames = clampGames(n)
	t.capHistory(rec)
	t.persist()
}

// Public returns the read-only projection for userID.
func (t *Tracker) Public(userID string) (Public, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.users[userID]
	if !ok {
		return Public{}, false
	}
	return publicOf(userID, rec), true
}

func publicOf(userID string, rec *Record) Public {
	games := make([]Game, len(rec.Games))
	copy(games, rec.Games)
	return Public{
		UserID:        userID,
		Active:        rec.Active,
		StartedAt:     rec.StartedAt,
		StoppedAt:     rec.StoppedAt,
		StartRating:   cloneInt(rec.StartRating),
		StartRank:     cloneInt(rec.StartRank),
		CurrentRating: cloneInt(rec.CurrentRating),
		CurrentRank:   cloneInt(rec.CurrentRank),
		Games:         games,
	}
}

// capHistory drops the oldest entries once the history exceeds the cap,
// preserving chronological order.
func (t *Tracker) capHistory(rec *Record) {
	limit := rec.MaxGames
	if limit <= 0 {
		limit = t.maxGames
	}
	limit = clampGames(limit)
	if len(rec.Games) <= limit {
		return
	}
	trimmed := make([]Game, limit)
	copy(trimmed, rec.Games[len(rec.Games)-limit:])
	rec.Games = trimmed
}

func deriveResult(winnerID, userID string) Result {
	switch {
	case winnerID == "":
		return ResultUnknown
	case winnerID == userID:
		return ResultWin
	default:
		return ResultLoss
	}
}
