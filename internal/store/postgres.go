package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gitvox/api/internal/apperr"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const principalColumns = `id, handle, display_name, avatar_ref, role, credential, created_at`

func scanPrincipal(row interface{ Scan(...any) error }) (Principal, error) {
	var p Principal
	err := row.Scan(&p.ID, &p.Handle, &p.DisplayName, &p.AvatarRef, &p.Role, &p.Credential, &p.CreatedAt)
	return p, err
}

// EnsurePrincipal creates the principal on first sign-in. Later sign-ins
// refresh the profile fields but keep the id, role and stored credential.
func (s *PostgresStore) EnsurePrincipal(ctx context.Context, p Principal) (Principal, error) {
	if p.Role == "" {
		p.Role = "member"
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO principals (id, handle, display_name, avatar_ref, role, credential)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (handle) DO UPDATE SET
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), principals.display_name),
			avatar_ref = COALESCE(NULLIF(EXCLUDED.avatar_ref, ''), principals.avatar_ref)
		RETURNING `+principalColumns,
		p.ID, p.Handle, p.DisplayName, p.AvatarRef, p.Role, p.Credential)
	out, err := scanPrincipal(row)
	if err != nil {
		return Principal{}, wrap("ensure principal", err)
	}
	return out, nil
}

func (s *PostgresStore) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	out, err := scanPrincipal(s.db.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE id=$1`, id))
	if err != nil {
		return Principal{}, wrap("get principal", err)
	}
	return out, nil
}

func (s *PostgresStore) GetPrincipalByHandle(ctx context.Context, handle string) (Principal, error) {
	out, err := scanPrincipal(s.db.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE handle=$1`, handle))
	if err != nil {
		return Principal{}, wrap("get principal by handle", err)
	}
	return out, nil
}

const repositoryQuery = `
	SELECT r.id, r.canonical_url, r.owner_id, p.handle, r.display_name, r.source_owner_handle, r.last_synced_at, r.created_at
	FROM repositories r
	JOIN principals p ON p.id = r.owner_id
`

func scanRepository(row interface{ Scan(...any) error }) (Repository, error) {
	var repo Repository
	var synced sql.NullTime
	err := row.Scan(&repo.ID, &repo.CanonicalURL, &repo.OwnerPrincipalID, &repo.OwnerHandle, &repo.DisplayName, &repo.SourceOwnerHandle, &synced, &repo.CreatedAt)
	if synced.Valid {
		at := synced.Time
		repo.LastSyncedAt = &at
	}
	return repo, err
}

// loadMembers fills both membership sets for each repository in place.
func loadMembers(ctx context.Context, q querier, repos []Repository) error {
	if len(repos) == 0 {
		return nil
	}
	ids := make([]string, len(repos))
	index := make(map[string]int, len(repos))
	for i := range repos {
		ids[i] = repos[i].ID
		index[repos[i].ID] = i
		repos[i].AcceptedMembers = []string{}
		repos[i].PendingMembers = []string{}
	}
	rows, err := q.QueryContext(ctx, `
		SELECT repository_id, handle, state
		FROM repository_members
		WHERE repository_id = ANY($1)
		ORDER BY updated_at ASC, handle ASC
	`, ids)
	if err != nil {
		return wrap("load members", err)
	}
	defer rows.Close()
	for rows.Next() {
		var repoID, handle string
		var state MemberState
		if err := rows.Scan(&repoID, &handle, &state); err != nil {
			return wrap("scan member", err)
		}
		i := index[repoID]
		switch state {
		case MemberAccepted:
			repos[i].AcceptedMembers = append(repos[i].AcceptedMembers, handle)
		case MemberPending:
			repos[i].PendingMembers = append(repos[i].PendingMembers, handle)
		}
	}
	return wrap("iterate members", rows.Err())
}

// CreateRepository inserts the repository and seeds its owner as an accepted
// member. A second repository with the same canonical URL yields ErrDuplicate.
func (s *PostgresStore) CreateRepository(ctx context.Context, repo Repository) (Repository, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Repository{}, wrap("begin create repository", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO repositories (id, canonical_url, owner_id, display_name, source_owner_handle)
		VALUES ($1, $2, $3, $4, $5)
	`, repo.ID, repo.CanonicalURL, repo.OwnerPrincipalID, repo.DisplayName, repo.SourceOwnerHandle); err != nil {
		return Repository{}, wrap("insert repository", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO repository_members (repository_id, handle, state)
		SELECT $1, handle, 'accepted' FROM principals WHERE id=$2
	`, repo.ID, repo.OwnerPrincipalID); err != nil {
		return Repository{}, wrap("insert owner membership", err)
	}

	created, err := getRepository(ctx, tx, repo.ID, false)
	if err != nil {
		return Repository{}, err
	}
	if err := tx.Commit(); err != nil {
		return Repository{}, wrap("commit create repository", err)
	}
	return created, nil
}

func getRepository(ctx context.Context, q querier, id string, forUpdate bool) (Repository, error) {
	query := repositoryQuery + ` WHERE r.id=$1`
	if forUpdate {
		query += ` FOR UPDATE OF r`
	}
	repo, err := scanRepository(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return Repository{}, wrap("get repository", err)
	}
	repos := []Repository{repo}
	if err := loadMembers(ctx, q, repos); err != nil {
		return Repository{}, err
	}
	return repos[0], nil
}

func (s *PostgresStore) GetRepository(ctx context.Context, id string) (Repository, error) {
	return getRepository(ctx, s.db, id, false)
}

func (s *PostgresStore) GetRepositoryByURL(ctx context.Context, canonicalURL string) (Repository, error) {
	repo, err := scanRepository(s.db.QueryRowContext(ctx, repositoryQuery+` WHERE r.canonical_url=$1`, canonicalURL))
	if err != nil {
		return Repository{}, wrap("get repository by url", err)
	}
	repos := []Repository{repo}
	if err := loadMembers(ctx, s.db, repos); err != nil {
		return Repository{}, err
	}
	return repos[0], nil
}

// ListRepositoriesForHandle returns the repositories where handle holds one
// of states, newest first.
func (s *PostgresStore) ListRepositoriesForHandle(ctx context.Context, handle string, states ...MemberState) ([]Repository, error) {
	if len(states) == 0 {
		states = []MemberState{MemberAccepted, MemberPending}
	}
	wanted := make([]string, len(states))
	for i, state := range states {
		wanted[i] = string(state)
	}
	rows, err := s.db.QueryContext(ctx, repositoryQuery+`
		JOIN repository_members m ON m.repository_id = r.id
		WHERE m.handle=$1 AND m.state = ANY($2)
		ORDER BY r.created_at DESC, r.id ASC
	`, handle, wanted)
	if err != nil {
		return nil, wrap("list repositories", err)
	}
	defer rows.Close()

	repos := make([]Repository, 0)
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, wrap("scan repository", err)
		}
		repos = append(repos, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate repositories", err)
	}
	if err := loadMembers(ctx, s.db, repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// UpdateMembers runs fn against a locked copy of the repository and writes
// the membership diff in the same transaction. fn returning an error aborts
// the update.
func (s *PostgresStore) UpdateMembers(ctx context.Context, repoID string, fn func(*Repository) error) (Repository, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Repository{}, wrap("begin update members", err)
	}
	defer tx.Rollback()

	current, err := getRepository(ctx, tx, repoID, true)
	if err != nil {
		return Repository{}, err
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return Repository{}, err
	}
	if err := checkInvariants(next); err != nil {
		return Repository{}, err
	}

	before := current.MemberStates()
	after := next.MemberStates()
	for handle, state := range after {
		if before[handle] == state {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO repository_members (repository_id, handle, state)
			VALUES ($1, $2, $3)
			ON CONFLICT (repository_id, handle) DO UPDATE SET state=EXCLUDED.state, updated_at=NOW()
		`, repoID, handle, string(state)); err != nil {
			return Repository{}, wrap("upsert member", err)
		}
	}
	for handle := range before {
		if _, kept := after[handle]; kept {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM repository_members WHERE repository_id=$1 AND handle=$2`, repoID, handle); err != nil {
			return Repository{}, wrap("delete member", err)
		}
	}

	updated, err := getRepository(ctx, tx, repoID, false)
	if err != nil {
		return Repository{}, err
	}
	if err := tx.Commit(); err != nil {
		return Repository{}, wrap("commit update members", err)
	}
	return updated, nil
}

func (s *PostgresStore) MarkSynced(ctx context.Context, repoID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE repositories SET last_synced_at=$2 WHERE id=$1`, repoID, at)
	if err != nil {
		return wrap("mark synced", err)
	}
	return requireAffected("mark synced", result)
}

func requireAffected(op string, result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	}
	return nil
}

const messageQuery = `
	SELECT m.id, m.seq, m.repository_id, m.commit_hash, m.sender_id, p.handle, p.display_name, p.avatar_ref, m.body, m.sent_at
	FROM messages m
	JOIN principals p ON p.id = m.sender_id
`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.Seq, &m.RepositoryID, &m.CommitHash, &m.SenderPrincipalID, &m.SenderHandle, &m.SenderDisplayName, &m.SenderAvatarRef, &m.Body, &m.SentAt)
	return m, err
}

func collectMessages(op string, rows *sql.Rows, err error) ([]Message, error) {
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, wrap("scan message", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return items, nil
}

// InsertMessage persists msg and returns it with the store-assigned sequence,
// timestamp and sender profile.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO messages (id, repository_id, commit_hash, sender_id, body)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, seq, repository_id, commit_hash, sender_id, body, sent_at
		)
		SELECT i.id, i.seq, i.repository_id, i.commit_hash, i.sender_id, p.handle, p.display_name, p.avatar_ref, i.body, i.sent_at
		FROM inserted i
		JOIN principals p ON p.id = i.sender_id
	`, msg.ID, msg.RepositoryID, msg.CommitHash, msg.SenderPrincipalID, msg.Body)
	out, err := scanMessage(row)
	if err != nil {
		return Message{}, wrap("insert message", err)
	}
	return out, nil
}

// ListMessages returns the chat history of one commit room, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, repoID, commitHash string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, messageQuery+`
		WHERE m.repository_id=$1 AND m.commit_hash=$2
		ORDER BY m.sent_at ASC, m.seq ASC
	`, repoID, commitHash)
	return collectMessages("list messages", rows, err)
}

// RecentMessages returns up to limit messages of a repository, newest first.
func (s *PostgresStore) RecentMessages(ctx context.Context, repoID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, messageQuery+`
		WHERE m.repository_id=$1
		ORDER BY m.sent_at DESC, m.seq DESC
		LIMIT $2
	`, repoID, limit)
	return collectMessages("recent messages", rows, err)
}

const defectQuery = `
	SELECT d.id, d.seq, d.repository_id, d.commit_hash, d.reporter_id, p.handle, d.description, d.severity, d.status, d.created_at
	FROM defects d
	JOIN principals p ON p.id = d.reporter_id
`

func scanDefect(row interface{ Scan(...any) error }) (DefectReport, error) {
	var d DefectReport
	err := row.Scan(&d.ID, &d.Seq, &d.RepositoryID, &d.CommitHash, &d.ReporterPrincipalID, &d.ReporterHandle, &d.Description, &d.Severity, &d.Status, &d.CreatedAt)
	return d, err
}

func collectDefects(op string, rows *sql.Rows, err error) ([]DefectReport, error) {
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	items := make([]DefectReport, 0)
	for rows.Next() {
		item, err := scanDefect(rows)
		if err != nil {
			return nil, wrap("scan defect", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return items, nil
}

func (s *PostgresStore) InsertDefect(ctx context.Context, d DefectReport) (DefectReport, error) {
	if d.Status == "" {
		d.Status = DefectOpen
	}
	row := s.db.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO defects (id, repository_id, commit_hash, reporter_id, description, severity, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, seq, repository_id, commit_hash, reporter_id, description, severity, status, created_at
		)
		SELECT i.id, i.seq, i.repository_id, i.commit_hash, i.reporter_id, p.handle, i.description, i.severity, i.status, i.created_at
		FROM inserted i
		JOIN principals p ON p.id = i.reporter_id
	`, d.ID, d.RepositoryID, d.CommitHash, d.ReporterPrincipalID, d.Description, string(d.Severity), string(d.Status))
	out, err := scanDefect(row)
	if err != nil {
		return DefectReport{}, wrap("insert defect", err)
	}
	return out, nil
}

func (s *PostgresStore) GetDefect(ctx context.Context, id string) (DefectReport, error) {
	out, err := scanDefect(s.db.QueryRowContext(ctx, defectQuery+` WHERE d.id=$1`, id))
	if err != nil {
		return DefectReport{}, wrap("get defect", err)
	}
	return out, nil
}

// ListDefects returns defects of a repository, optionally narrowed to one
// commit, oldest first.
func (s *PostgresStore) ListDefects(ctx context.Context, repoID, commitHash string) ([]DefectReport, error) {
	rows, err := s.db.QueryContext(ctx, defectQuery+`
		WHERE d.repository_id=$1 AND ($2 = '' OR d.commit_hash=$2)
		ORDER BY d.created_at ASC, d.seq ASC
	`, repoID, commitHash)
	return collectDefects("list defects", rows, err)
}

func (s *PostgresStore) RecentDefects(ctx context.Context, repoID string, limit int) ([]DefectReport, error) {
	rows, err := s.db.QueryContext(ctx, defectQuery+`
		WHERE d.repository_id=$1
		ORDER BY d.created_at DESC, d.seq DESC
		LIMIT $2
	`, repoID, limit)
	return collectDefects("recent defects", rows, err)
}

// ToggleDefectStatus flips Open and Resolved in one statement.
func (s *PostgresStore) ToggleDefectStatus(ctx context.Context, id string) (DefectReport, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH updated AS (
			UPDATE defects
			SET status = CASE WHEN status = 'Open' THEN 'Resolved' ELSE 'Open' END
			WHERE id=$1
			RETURNING id, seq, repository_id, commit_hash, reporter_id, description, severity, status, created_at
		)
		SELECT u.id, u.seq, u.repository_id, u.commit_hash, u.reporter_id, p.handle, u.description, u.severity, u.status, u.created_at
		FROM updated u
		JOIN principals p ON p.id = u.reporter_id
	`, id)
	out, err := scanDefect(row)
	if err != nil {
		return DefectReport{}, wrap("toggle defect", err)
	}
	return out, nil
}

// SearchMessages runs a Postgres full-text query over one repository's chat.
func (s *PostgresStore) SearchMessages(ctx context.Context, repoID, query string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, messageQuery+`
		WHERE m.repository_id=$1 AND m.fts @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(m.fts, plainto_tsquery('english', $2)) DESC, m.seq DESC
		LIMIT $3
	`, repoID, query, limit)
	return collectMessages("search messages", rows, err)
}

func (s *PostgresStore) SearchDefects(ctx context.Context, repoID, query string, limit int) ([]DefectReport, error) {
	rows, err := s.db.QueryContext(ctx, defectQuery+`
		WHERE d.repository_id=$1 AND d.fts @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(d.fts, plainto_tsquery('english', $2)) DESC, d.seq DESC
		LIMIT $3
	`, repoID, query, limit)
	return collectDefects("search defects", rows, err)
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, recipient_id, kind, message, link)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, recipient_id, kind, message, link, read, created_at
	`, n.ID, n.RecipientID, n.Kind, n.Message, n.Link)
	var out Notification
	if err := row.Scan(&out.ID, &out.RecipientID, &out.Kind, &out.Message, &out.Link, &out.Read, &out.CreatedAt); err != nil {
		return Notification{}, wrap("insert notification", err)
	}
	return out, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, kind, message, link, read, created_at
		FROM notifications
		WHERE recipient_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, recipientID, limit)
	if err != nil {
		return nil, wrap("list notifications", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Kind, &n.Message, &n.Link, &n.Read, &n.CreatedAt); err != nil {
			return nil, wrap("scan notification", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate notifications", err)
	}
	return items, nil
}

// MarkNotificationRead only touches notifications owned by recipientID;
// anything else reads as not found.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id, recipientID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE notifications SET read=TRUE WHERE id=$1 AND recipient_id=$2`, id, recipientID)
	if err != nil {
		return wrap("mark notification read", err)
	}
	return requireAffected("mark notification read", result)
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, principalID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, principal_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET principal_id=EXCLUDED.principal_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, principalID, expiresAt)
	if err != nil {
		return wrap("save refresh session", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return wrap("revoke refresh session", err)
	}
	return nil
}

// LookupRefreshSession returns the principal id bound to a live refresh
// session.
func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var principalID string
	err := s.db.QueryRowContext(ctx, `
		SELECT principal_id
		FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&principalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup refresh session: %w", apperr.ErrUnauthenticated)
	}
	if err != nil {
		return "", wrap("lookup refresh session", err)
	}
	return principalID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return wrap("revoke access token", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, wrap("check revoked token", err)
	}
	return revoked, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}
