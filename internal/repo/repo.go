package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"parley/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// InsertExchange creates the persistent record for a new exchange.
func (r Repo) InsertExchange(ctx context.Context, tx *sql.Tx, s domain.ExchangeSnapshot) error {
	parts, err := json.Marshal(s.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO exchanges(id,area,participants_json,phase,beat,reason,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, nullable(s.Area), string(parts), string(s.Phase), s.Beat, nullable(s.Reason), s.CreatedAt, s.UpdatedAt)
	return err
}

// UpdateExchange persists the mutable portion of a snapshot: phase, beat,
// participant states and the aftermath reason.
func (r Repo) UpdateExchange(ctx context.Context, tx *sql.Tx, s domain.ExchangeSnapshot) error {
	parts, err := json.Marshal(s.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE exchanges SET participants_json=?, phase=?, beat=?, reason=?, updated_at=? WHERE id=?`,
		string(parts), string(s.Phase), s.Beat, nullable(s.Reason), s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetExchange(ctx context.Context, id string) (domain.ExchangeSnapshot, error) {
	var s domain.ExchangeSnapshot
	var area, reason sql.NullString
	var parts string
	err := r.DB.QueryRowContext(ctx, `SELECT id,area,participants_json,phase,beat,reason,created_at,updated_at FROM exchanges WHERE id=?`, id).
		Scan(&s.ID, &area, &parts, &s.Phase, &s.Beat, &reason, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if area.Valid {
		s.Area = area.String
	}
	if reason.Valid {
		s.Reason = reason.String
	}
	if err := json.Unmarshal([]byte(parts), &s.Participants); err != nil {
		return s, fmt.Errorf("unmarshal participants: %w", err)
	}
	s.Log, err = r.ListOutcomes(ctx, s.ID)
	return s, err
}

type ExchangeFilters struct {
	Phase string
	Limit int
}

func (r Repo) ListExchanges(ctx context.Context, f ExchangeFilters) ([]domain.ExchangeSnapshot, error) {
	var clauses []string
	var args []any
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,area,participants_json,phase,beat,reason,created_at,updated_at FROM exchanges ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExchangeSnapshot
	for rows.Next() {
		var s domain.ExchangeSnapshot
		var area, reason sql.NullString
		var parts string
		if err := rows.Scan(&s.ID, &area, &parts, &s.Phase, &s.Beat, &reason, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if area.Valid {
			s.Area = area.String
		}
		if reason.Valid {
			s.Reason = reason.String
		}
		if err := json.Unmarshal([]byte(parts), &s.Participants); err != nil {
			return nil, fmt.Errorf("unmarshal participants: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListOpenExchanges returns exchanges that have not reached aftermath,
// for supervisor recovery after restart.
func (r Repo) ListOpenExchanges(ctx context.Context) ([]domain.ExchangeSnapshot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM exchanges WHERE phase != ? ORDER BY created_at ASC`, string(domain.PhaseAftermath))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []domain.ExchangeSnapshot
	for _, id := range ids {
		s, err := r.GetExchange(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

// AppendOutcome persists one outcome row. Seq must follow the existing log.
func (r Repo) AppendOutcome(ctx context.Context, tx *sql.Tx, o domain.Outcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO outcomes(exchange_id,seq,beat,kind,payload_json,ts) VALUES (?,?,?,?,?,?)`,
		o.ExchangeID, o.Seq, o.Beat, o.Kind, string(payload), o.TS)
	return err
}

func (r Repo) ListOutcomes(ctx context.Context, exchangeID string) ([]domain.Outcome, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT payload_json FROM outcomes WHERE exchange_id=? ORDER BY seq ASC`, exchangeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Outcome
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var o domain.Outcome
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			return nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- participant registry ---

func (r Repo) UpsertParticipant(ctx context.Context, p domain.RegisteredParticipant) error {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO participants(id,role,kind,url,capabilities_json,preferred,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, kind=excluded.kind, url=excluded.url, capabilities_json=excluded.capabilities_json, preferred=excluded.preferred`,
		p.ID, nullable(p.Role), p.Kind, nullable(p.URL), string(caps), nullable(p.Preferred), p.CreatedAt)
	return err
}

func (r Repo) GetParticipant(ctx context.Context, id string) (domain.RegisteredParticipant, error) {
	var p domain.RegisteredParticipant
	var role, url, caps, preferred sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,role,kind,url,capabilities_json,preferred,created_at FROM participants WHERE id=?`, id).
		Scan(&p.ID, &role, &p.Kind, &url, &caps, &preferred, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if role.Valid {
		p.Role = role.String
	}
	if url.Valid {
		p.URL = url.String
	}
	if preferred.Valid {
		p.Preferred = preferred.String
	}
	if caps.Valid && caps.String != "" {
		if err := json.Unmarshal([]byte(caps.String), &p.Capabilities); err != nil {
			return p, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	return p, nil
}

func (r Repo) ListParticipants(ctx context.Context) ([]domain.RegisteredParticipant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM participants ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []domain.RegisteredParticipant
	for _, id := range ids {
		p, err := r.GetParticipant(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// --- affordance registry ---

func (r Repo) UpsertAffordance(ctx context.Context, a domain.Affordance, createdAt string) error {
	props, err := json.Marshal(a.Props)
	if err != nil {
		return fmt.Errorf("marshal props: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO affordances(id,type,area,distance,consumable,props_json,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET type=excluded.type, area=excluded.area, distance=excluded.distance, consumable=excluded.consumable, props_json=excluded.props_json`,
		a.ID, a.Type, a.Area, a.Distance, boolToInt(a.Consumable), string(props), createdAt)
	return err
}

func (r Repo) DeleteAffordance(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM affordances WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAffordances filters by area and type; empty filters match everything.
func (r Repo) ListAffordances(ctx context.Context, area, typeFilter string) ([]domain.Affordance, error) {
	var clauses []string
	var args []any
	if area != "" {
		clauses = append(clauses, "area=?")
		args = append(args, area)
	}
	if typeFilter != "" {
		clauses = append(clauses, "type=?")
		args = append(args, typeFilter)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,type,area,distance,consumable,props_json FROM affordances `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Affordance
	for rows.Next() {
		var a domain.Affordance
		var consumable int
		var props sql.NullString
		if err := rows.Scan(&a.ID, &a.Type, &a.Area, &a.Distance, &consumable, &props); err != nil {
			return nil, err
		}
		a.Consumable = consumable != 0
		if props.Valid && props.String != "" && props.String != "null" {
			if err := json.Unmarshal([]byte(props.String), &a.Props); err != nil {
				return nil, fmt.Errorf("unmarshal props: %w", err)
			}
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- audit log ---

func (r Repo) LatestEvents(ctx context.Context, limit int, exchangeID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if exchangeID != "" {
		clauses = append(clauses, "exchange_id=?")
		args = append(args, exchangeID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,exchange_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var exID, entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &exID, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if exID.Valid {
			e.ExchangeID = exID.String
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
