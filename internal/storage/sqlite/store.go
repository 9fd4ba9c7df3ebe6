// Package sqlite provides a SQLite-backed engine storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Xziver/dg-core/internal/game"
	"github.com/Xziver/dg-core/internal/platform/storage/sqlitemigrate"
	"github.com/Xziver/dg-core/internal/storage"
	"github.com/Xziver/dg-core/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists engine state and the timeline in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

// Open opens a SQLite engine store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SetClock overrides the clock used for redemption timestamps. Test helper.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Game returns one game by id.
func (s *Store) Game(ctx context.Context, id string) (game.Game, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, name, status, dice_faces, created_by, created_at FROM games WHERE id = ?`, id)
	var g game.Game
	var createdAt int64
	err := row.Scan(&g.ID, &g.Name, &g.Status, &g.DiceFaces, &g.CreatedBy, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return game.Game{}, storage.ErrNotFound
		}
		return game.Game{}, fmt.Errorf("get game: %w", err)
	}
	g.CreatedAt = fromMillis(createdAt)
	return g, nil
}

// Member returns one roster entry.
func (s *Store) Member(ctx context.Context, gameID, userID string) (game.Member, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT game_id, user_id, role, active_patient_id FROM members
		 WHERE game_id = ? AND user_id = ?`, gameID, userID)
	var m game.Member
	err := row.Scan(&m.GameID, &m.UserID, &m.Role, &m.ActivePatientID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return game.Member{}, storage.ErrNotFound
		}
		return game.Member{}, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// Members returns the full roster for a game ordered by user id.
func (s *Store) Members(ctx context.Context, gameID string) ([]game.Member, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT game_id, user_id, role, active_patient_id FROM members
		 WHERE game_id = ? ORDER BY user_id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []game.Member
	for rows.Next() {
		var m game.Member
		if err := rows.Scan(&m.GameID, &m.UserID, &m.Role, &m.ActivePatientID); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// Session returns one session by id.
func (s *Store) Session(ctx context.Context, id string) (game.Session, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, game_id, status, region_id, location_id, started_by, created_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ActiveSession returns the game's single active session, if any.
func (s *Store) ActiveSession(ctx context.Context, gameID string) (game.Session, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, game_id, status, region_id, location_id, started_by, created_at
		 FROM sessions WHERE game_id = ? AND status = ? ORDER BY id LIMIT 1`,
		gameID, game.SessionStatusActive)
	return scanSession(row)
}

func scanSession(row *sql.Row) (game.Session, error) {
	var sess game.Session
	var createdAt int64
	err := row.Scan(&sess.ID, &sess.GameID, &sess.Status, &sess.RegionID,
		&sess.LocationID, &sess.StartedBy, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return game.Session{}, storage.ErrNotFound
		}
		return game.Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = fromMillis(createdAt)
	return sess, nil
}

// Patient returns one patient by id.
func (s *Store) Patient(ctx context.Context, id string) (game.Patient, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, game_id, user_id, name, soul_channel, identity, region_id, location_id, archives, created_at
		 FROM patients WHERE id = ?`, id)
	var p game.Patient
	var archives string
	var createdAt int64
	err := row.Scan(&p.ID, &p.GameID, &p.UserID, &p.Name, &p.SoulChannel,
		&p.Identity, &p.RegionID, &p.LocationID, &archives, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return game.Patient{}, storage.ErrNotFound
		}
		return game.Patient{}, fmt.Errorf("get patient: %w", err)
	}
	if err := json.Unmarshal([]byte(archives), &p.Archives); err != nil {
		return game.Patient{}, fmt.Errorf("decode patient archives: %w", err)
	}
	p.CreatedAt = fromMillis(createdAt)
	return p, nil
}

const ghostColumns = `id, game_id, patient_id, controller_patient_id, name,
	channel_c, channel_m, channel_y, channel_k, hp, hp_max, guard, created_at`

// Ghost returns one ghost by id.
func (s *Store) Ghost(ctx context.Context, id string) (game.Ghost, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+ghostColumns+` FROM ghosts WHERE id = ?`, id)
	return scanGhost(row.Scan)
}

// GhostByPatient returns the ghost bound to a patient.
func (s *Store) GhostByPatient(ctx context.Context, patientID string) (game.Ghost, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+ghostColumns+` FROM ghosts WHERE patient_id = ?`, patientID)
	return scanGhost(row.Scan)
}

// GhostsByGame returns every ghost in a game ordered by id.
func (s *Store) GhostsByGame(ctx context.Context, gameID string) ([]game.Ghost, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+ghostColumns+` FROM ghosts WHERE game_id = ? ORDER BY id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list ghosts: %w", err)
	}
	defer rows.Close()

	var ghosts []game.Ghost
	for rows.Next() {
		g, err := scanGhost(rows.Scan)
		if err != nil {
			return nil, err
		}
		ghosts = append(ghosts, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ghosts: %w", err)
	}
	return ghosts, nil
}

func scanGhost(scan func(...any) error) (game.Ghost, error) {
	var g game.Ghost
	var createdAt int64
	err := scan(&g.ID, &g.GameID, &g.PatientID, &g.ControllerPatientID, &g.Name,
		&g.Channels.C, &g.Channels.M, &g.Channels.Y, &g.Channels.K,
		&g.HP, &g.HPMax, &g.Guard, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return game.Ghost{}, storage.ErrNotFound
		}
		return game.Ghost{}, fmt.Errorf("scan ghost: %w", err)
	}
	g.CreatedAt = fromMillis(createdAt)
	return g, nil
}

// Ability returns one print ability by id.
func (s *Store) Ability(ctx context.Context, id string) (game.PrintAbility, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, ghost_id, name, channel, uses FROM abilities WHERE id = ?`, id)
	var a game.PrintAbility
	err := row.Scan(&a.ID, &a.GhostID, &a.Name, &a.Channel, &a.Uses)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return game.PrintAbility{}, storage.ErrNotFound
		}
		return game.PrintAbility{}, fmt.Errorf("get ability: %w", err)
	}
	return a, nil
}

// Abilities returns every print ability held by a ghost ordered by id.
func (s *Store) Abilities(ctx context.Context, ghostID string) ([]game.PrintAbility, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, ghost_id, name, channel, uses FROM abilities
		 WHERE ghost_id = ? ORDER BY id`, ghostID)
	if err != nil {
		return nil, fmt.Errorf("list abilities: %w", err)
	}
	defer rows.Close()

	var abilities []game.PrintAbility
	for rows.Next() {
		var a game.PrintAbility
		if err := rows.Scan(&a.ID, &a.GhostID, &a.Name, &a.Channel, &a.Uses); err != nil {
			return nil, fmt.Errorf("scan ability: %w", err)
		}
		abilities = append(abilities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list abilities: %w", err)
	}
	return abilities, nil
}

// Fragment returns one color fragment by id.
func (s *Store) Fragment(ctx context.Context, id string) (game.ColorFragment, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, ghost_id, channel, value, redeemed, redeemed_at FROM fragments WHERE id = ?`, id)
	var f game.ColorFragment
	var redeemedAt sql.NullInt64
	err := row.Scan(&f.ID, &f.GhostID, &f.Channel, &f.Value, &f.Redeemed, &redeemedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return game.ColorFragment{}, storage.ErrNotFound
		}
		return game.ColorFragment{}, fmt.Errorf("get fragment: %w", err)
	}
	f.RedeemedAt = fromNullMillis(redeemedAt)
	return f, nil
}

// Buffs lists active buffs on a ghost, ordered by id.
func (s *Store) Buffs(ctx context.Context, ghostID string) ([]game.Buff, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, ghost_id, name, channel, channel_shift, modifier, remaining_rounds
		 FROM buffs WHERE ghost_id = ? ORDER BY id`, ghostID)
	if err != nil {
		return nil, fmt.Errorf("list buffs: %w", err)
	}
	defer rows.Close()

	var buffs []game.Buff
	for rows.Next() {
		var b game.Buff
		if err := rows.Scan(&b.ID, &b.GhostID, &b.Name, &b.Channel,
			&b.ChannelShift, &b.Modifier, &b.RemainingRounds); err != nil {
			return nil, fmt.Errorf("scan buff: %w", err)
		}
		buffs = append(buffs, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buffs: %w", err)
	}
	return buffs, nil
}

// CommLink returns one comm link by id.
func (s *Store) CommLink(ctx context.Context, id string) (game.CommLink, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, session_id, initiator_ghost_id, target_ghost_id, status, created_at
		 FROM comm_links WHERE id = ?`, id)
	return scanCommLink(row.Scan)
}

// OpenCommLink returns the open link between two ghosts in a session,
// matching either orientation of the pair.
func (s *Store) OpenCommLink(ctx context.Context, sessionID, ghostA, ghostB string) (game.CommLink, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, session_id, initiator_ghost_id, target_ghost_id, status, created_at
		 FROM comm_links
		 WHERE session_id = ? AND status = ?
		   AND ((initiator_ghost_id = ? AND target_ghost_id = ?)
		     OR (initiator_ghost_id = ? AND target_ghost_id = ?))
		 LIMIT 1`,
		sessionID, game.CommStatusOpen, ghostA, ghostB, ghostB, ghostA)
	return scanCommLink(row.Scan)
}

// OpenCommLinks lists every open link in a session, ordered by id.
func (s *Store) OpenCommLinks(ctx context.Context, sessionID string) ([]game.CommLink, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, session_id, initiator_ghost_id, target_ghost_id, status, created_at
		 FROM comm_links WHERE session_id = ? AND status = ? ORDER BY id`,
		sessionID, game.CommStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("list comm links: %w", err)
	}
	defer rows.Close()

	var links []game.CommLink
	for rows.Next() {
		link, err := scanCommLink(rows.Scan)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list comm links: %w", err)
	}
	return links, nil
}

func scanCommLink(scan func(...any) error) (game.CommLink, error) {
	var link game.CommLink
	var createdAt int64
	err := scan(&link.ID, &link.SessionID, &link.InitiatorGhostID,
		&link.TargetGhostID, &link.Status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return game.CommLink{}, storage.ErrNotFound
		}
		return game.CommLink{}, fmt.Errorf("scan comm link: %w", err)
	}
	link.CreatedAt = fromMillis(createdAt)
	return link, nil
}

// Region returns one region by id.
func (s *Store) Region(ctx context.Context, id string) (game.Region, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, game_id, name, parent_id FROM regions WHERE id = ?`, id)
	var r game.Region
	err := row.Scan(&r.ID, &r.GameID, &r.Name, &r.ParentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return game.Region{}, storage.ErrNotFound
		}
		return game.Region{}, fmt.Errorf("get region: %w", err)
	}
	return r, nil
}

// Location returns one location by id.
func (s *Store) Location(ctx context.Context, id string) (game.Location, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, region_id, name FROM locations WHERE id = ?`, id)
	var l game.Location
	err := row.Scan(&l.ID, &l.RegionID, &l.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return game.Location{}, storage.ErrNotFound
		}
		return game.Location{}, fmt.Errorf("get location: %w", err)
	}
	return l, nil
}

// Commit applies the request's deltas and appends the timeline entry in one
// transaction. The entry's sequence number is assigned from the stream's
// current maximum, so applied entries stay gapless per stream.
func (s *Store) Commit(ctx context.Context, req storage.CommitRequest) (game.TimelineEntry, error) {
	if req.StreamID == "" {
		return game.TimelineEntry{}, fmt.Errorf("stream id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return game.TimelineEntry{}, fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, delta := range req.Deltas {
		if err := s.applyDelta(ctx, tx, delta); err != nil {
			return game.TimelineEntry{}, err
		}
	}

	var next uint64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline WHERE stream_id = ?`, req.StreamID)
	if err := row.Scan(&next); err != nil {
		return game.TimelineEntry{}, fmt.Errorf("next seq: %w", err)
	}

	entry := req.Entry
	entry.StreamID = req.StreamID
	entry.Seq = next

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO timeline (stream_id, seq, kind, actor_id, payload, result, narrative, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`,
		entry.StreamID, entry.Seq, entry.Kind, entry.ActorID,
		rawOrEmpty(entry.Payload), rawOrEmpty(entry.Result), toMillis(entry.Timestamp),
	); err != nil {
		return game.TimelineEntry{}, fmt.Errorf("append timeline entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return game.TimelineEntry{}, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// applyDelta translates one state delta into SQL. Updates that match no row
// indicate a missing entity and abort the transaction.
func (s *Store) applyDelta(ctx context.Context, tx *sql.Tx, delta game.Delta) error {
	switch d := delta.(type) {
	case game.GameStatusDelta:
		return execOne(ctx, tx, "game status",
			`UPDATE games SET status = ? WHERE id = ?`, d.To, d.GameID)
	case game.SessionStatusDelta:
		return execOne(ctx, tx, "session status",
			`UPDATE sessions SET status = ? WHERE id = ?`, d.To, d.SessionID)
	case game.MemberAddDelta:
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO members (game_id, user_id, role, active_patient_id)
			 VALUES (?, ?, ?, ?)`,
			d.Member.GameID, d.Member.UserID, d.Member.Role, d.Member.ActivePatientID)
		if err != nil {
			return fmt.Errorf("add member: %w", err)
		}
		return nil
	case game.MemberRemoveDelta:
		return execOne(ctx, tx, "remove member",
			`DELETE FROM members WHERE game_id = ? AND user_id = ?`, d.GameID, d.UserID)
	case game.GhostHPDelta:
		return execOne(ctx, tx, "ghost hp",
			`UPDATE ghosts SET hp = ? WHERE id = ?`, d.To, d.GhostID)
	case game.GhostGuardDelta:
		return execOne(ctx, tx, "ghost guard",
			`UPDATE ghosts SET guard = ? WHERE id = ?`, d.To, d.GhostID)
	case game.ChannelDelta:
		column, err := channelColumn(d.Channel)
		if err != nil {
			return err
		}
		return execOne(ctx, tx, "ghost channel",
			`UPDATE ghosts SET `+column+` = ? WHERE id = ?`, d.To, d.GhostID)
	case game.AbilityUseDelta:
		return execOne(ctx, tx, "ability uses",
			`UPDATE abilities SET uses = ? WHERE id = ?`, d.To, d.AbilityID)
	case game.AbilityGrantDelta:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO abilities (id, ghost_id, name, channel, uses) VALUES (?, ?, ?, ?, ?)`,
			d.Ability.ID, d.Ability.GhostID, d.Ability.Name, d.Ability.Channel, d.Ability.Uses)
		if err != nil {
			return fmt.Errorf("grant ability: %w", err)
		}
		return nil
	case game.FragmentGrantDelta:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fragments (id, ghost_id, channel, value, redeemed, redeemed_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			d.Fragment.ID, d.Fragment.GhostID, d.Fragment.Channel, d.Fragment.Value,
			d.Fragment.Redeemed, toNullMillis(d.Fragment.RedeemedAt))
		if err != nil {
			return fmt.Errorf("grant fragment: %w", err)
		}
		return nil
	case game.FragmentRedeemDelta:
		return execOne(ctx, tx, "redeem fragment",
			`UPDATE fragments SET redeemed = 1, redeemed_at = ? WHERE id = ?`,
			toMillis(s.now()), d.FragmentID)
	case game.BuffRoundsDelta:
		if d.To <= 0 {
			return execOne(ctx, tx, "expire buff",
				`DELETE FROM buffs WHERE id = ?`, d.BuffID)
		}
		return execOne(ctx, tx, "tick buff",
			`UPDATE buffs SET remaining_rounds = ? WHERE id = ?`, d.To, d.BuffID)
	case game.GhostControlDelta:
		return execOne(ctx, tx, "ghost control",
			`UPDATE ghosts SET controller_patient_id = ? WHERE id = ?`, d.To, d.GhostID)
	case game.CommOpenDelta:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO comm_links (id, session_id, initiator_ghost_id, target_ghost_id, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			d.Link.ID, d.Link.SessionID, d.Link.InitiatorGhostID, d.Link.TargetGhostID,
			d.Link.Status, toMillis(d.Link.CreatedAt))
		if err != nil {
			return fmt.Errorf("open comm link: %w", err)
		}
		return nil
	case game.CommCloseDelta:
		return execOne(ctx, tx, "close comm link",
			`UPDATE comm_links SET status = ? WHERE id = ?`, game.CommStatusClosed, d.LinkID)
	case game.PatientPositionDelta:
		column := "region_id"
		if d.Field == game.PositionLocation {
			column = "location_id"
		}
		return execOne(ctx, tx, "patient position",
			`UPDATE patients SET `+column+` = ? WHERE id = ?`, d.To, d.PatientID)
	default:
		return fmt.Errorf("unknown delta shape %T", delta)
	}
}

func channelColumn(ch game.Channel) (string, error) {
	switch ch {
	case game.ChannelCyan:
		return "channel_c", nil
	case game.ChannelMagenta:
		return "channel_m", nil
	case game.ChannelYellow:
		return "channel_y", nil
	case game.ChannelKey:
		return "channel_k", nil
	default:
		return "", fmt.Errorf("unknown channel %q", ch)
	}
}

func execOne(ctx context.Context, tx *sql.Tx, op, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}

// AttachNarrative sets the narrative on an existing entry, once.
func (s *Store) AttachNarrative(ctx context.Context, streamID string, seq uint64, narrative string) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE timeline SET narrative = ? WHERE stream_id = ? AND seq = ? AND narrative IS NULL`,
		narrative, streamID, seq)
	if err != nil {
		return fmt.Errorf("attach narrative: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach narrative: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var existing sql.NullString
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT narrative FROM timeline WHERE stream_id = ? AND seq = ?`, streamID, seq)
	if err := row.Scan(&existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("attach narrative: %w", err)
	}
	return fmt.Errorf("narrative already attached to %s/%d", streamID, seq)
}

// Timeline returns entries for a stream ordered by seq ascending. A limit
// of 0 means no limit.
func (s *Store) Timeline(ctx context.Context, streamID string, limit, offset int) ([]game.TimelineEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT stream_id, seq, kind, actor_id, payload, result, narrative, created_at
		 FROM timeline WHERE stream_id = ?
		 ORDER BY seq ASC LIMIT ? OFFSET ?`, streamID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("read timeline: %w", err)
	}
	return collectEntries(rows)
}

// TimelineTail returns the last n entries for a stream ordered by seq
// ascending.
func (s *Store) TimelineTail(ctx context.Context, streamID string, n int) ([]game.TimelineEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT stream_id, seq, kind, actor_id, payload, result, narrative, created_at
		 FROM (SELECT * FROM timeline WHERE stream_id = ? ORDER BY seq DESC LIMIT ?)
		 ORDER BY seq ASC`, streamID, n)
	if err != nil {
		return nil, fmt.Errorf("read timeline tail: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]game.TimelineEntry, error) {
	defer rows.Close()

	var entries []game.TimelineEntry
	for rows.Next() {
		var entry game.TimelineEntry
		var payload, result string
		var narrative sql.NullString
		var createdAt int64
		if err := rows.Scan(&entry.StreamID, &entry.Seq, &entry.Kind, &entry.ActorID,
			&payload, &result, &narrative, &createdAt); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		entry.Payload = json.RawMessage(payload)
		entry.Result = json.RawMessage(result)
		if narrative.Valid {
			text := narrative.String
			entry.Narrative = &text
		}
		entry.Timestamp = fromMillis(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read timeline: %w", err)
	}
	return entries, nil
}

// PutGame upserts a game.
func (s *Store) PutGame(ctx context.Context, g game.Game) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO games (id, name, status, dice_faces, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Status, g.DiceFaces, g.CreatedBy, toMillis(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("put game: %w", err)
	}
	return nil
}

// PutMember upserts a roster entry.
func (s *Store) PutMember(ctx context.Context, m game.Member) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO members (game_id, user_id, role, active_patient_id)
		 VALUES (?, ?, ?, ?)`,
		m.GameID, m.UserID, m.Role, m.ActivePatientID)
	if err != nil {
		return fmt.Errorf("put member: %w", err)
	}
	return nil
}

// DeleteMember removes a roster entry.
func (s *Store) DeleteMember(ctx context.Context, gameID, userID string) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM members WHERE game_id = ? AND user_id = ?`, gameID, userID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PutSession upserts a session.
func (s *Store) PutSession(ctx context.Context, sess game.Session) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, game_id, status, region_id, location_id, started_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.GameID, sess.Status, sess.RegionID, sess.LocationID,
		sess.StartedBy, toMillis(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// PutPatient upserts a patient.
func (s *Store) PutPatient(ctx context.Context, p game.Patient) error {
	archives := p.Archives
	if archives == nil {
		archives = map[game.Channel]string{}
	}
	encoded, err := json.Marshal(archives)
	if err != nil {
		return fmt.Errorf("encode patient archives: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO patients (id, game_id, user_id, name, soul_channel, identity, region_id, location_id, archives, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.GameID, p.UserID, p.Name, p.SoulChannel, p.Identity,
		p.RegionID, p.LocationID, string(encoded), toMillis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("put patient: %w", err)
	}
	return nil
}

// PutGhost validates and upserts a ghost.
func (s *Store) PutGhost(ctx context.Context, g game.Ghost) error {
	if err := g.Validate(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO ghosts (id, game_id, patient_id, controller_patient_id, name,
		   channel_c, channel_m, channel_y, channel_k, hp, hp_max, guard, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.GameID, g.PatientID, g.ControllerPatientID, g.Name,
		g.Channels.C, g.Channels.M, g.Channels.Y, g.Channels.K,
		g.HP, g.HPMax, g.Guard, toMillis(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("put ghost: %w", err)
	}
	return nil
}

// PutAbility upserts a print ability.
func (s *Store) PutAbility(ctx context.Context, a game.PrintAbility) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO abilities (id, ghost_id, name, channel, uses)
		 VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.GhostID, a.Name, a.Channel, a.Uses)
	if err != nil {
		return fmt.Errorf("put ability: %w", err)
	}
	return nil
}

// PutFragment upserts a color fragment.
func (s *Store) PutFragment(ctx context.Context, f game.ColorFragment) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO fragments (id, ghost_id, channel, value, redeemed, redeemed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.GhostID, f.Channel, f.Value, f.Redeemed, toNullMillis(f.RedeemedAt))
	if err != nil {
		return fmt.Errorf("put fragment: %w", err)
	}
	return nil
}

// PutBuff upserts a buff after validating it.
func (s *Store) PutBuff(ctx context.Context, b game.Buff) error {
	if err := b.Validate(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO buffs (id, ghost_id, name, channel, channel_shift, modifier, remaining_rounds)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.GhostID, b.Name, b.Channel, b.ChannelShift, b.Modifier, b.RemainingRounds)
	if err != nil {
		return fmt.Errorf("put buff: %w", err)
	}
	return nil
}

// PutRegion upserts a region.
func (s *Store) PutRegion(ctx context.Context, r game.Region) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO regions (id, game_id, name, parent_id) VALUES (?, ?, ?, ?)`,
		r.ID, r.GameID, r.Name, r.ParentID)
	if err != nil {
		return fmt.Errorf("put region: %w", err)
	}
	return nil
}

// PutLocation upserts a location.
func (s *Store) PutLocation(ctx context.Context, l game.Location) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO locations (id, region_id, name) VALUES (?, ?, ?)`,
		l.ID, l.RegionID, l.Name)
	if err != nil {
		return fmt.Errorf("put location: %w", err)
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
