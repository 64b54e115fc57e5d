package store

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat pads fractional seconds to full width. Timestamps are compared
// as text in ORDER BY and in the cursor predicate, so the encoding must sort
// lexicographically in chronological order; RFC3339Nano trims trailing zeros
// and breaks that for sub-second neighbors.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const defaultPageSize = 50

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}

		// Pre-create the file with restrictive permissions if it doesn't exist
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return nil, fmt.Errorf("creating database file: %w", err)
			}
			_ = f.Close()
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

var migrations = []string{
	`CREATE TABLE notifications (
		id TEXT PRIMARY KEY,
		brand_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		entity_type TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'normal',
		methods TEXT NOT NULL DEFAULT 'in_app',
		is_read INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		read_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_notifications_recipient
		ON notifications(recipient_id, brand_id, created_at DESC);

	CREATE TABLE delivery_states (
		notification_id TEXT NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
		method TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (notification_id, method)
	);

	CREATE TABLE brand_members (
		brand_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		PRIMARY KEY (brand_id, user_id)
	);`,
}

func (s *SQLiteStore) migrate() error {
	// Ensure schema_version table exists
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Notifications ---

// CreateNotification validates the recipient's active brand membership,
// assigns id and creation timestamp when missing, and persists the record
// together with a pending delivery state per configured method.
func (s *SQLiteStore) CreateNotification(n *Notification) error {
	ok, err := s.IsMember(n.RecipientID, n.BrandID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("creating notification for %q in brand %q: %w",
			n.RecipientID, n.BrandID, ErrInvalidRecipient)
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Priority == "" {
		n.Priority = "normal"
	}
	if len(n.Methods) == 0 {
		n.Methods = []string{MethodInApp}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO notifications (id, brand_id, recipient_id, type, title, message,
		entity_type, entity_id, priority, methods, is_read, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.BrandID, n.RecipientID, n.Type, n.Title, n.Message,
		n.Entity.Type, n.Entity.ID, n.Priority, strings.Join(n.Methods, ","),
		boolToInt(n.Read), formatTime(n.CreatedAt), formatTime(n.ReadAt))
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}

	n.Delivery = make(map[string]DeliveryState, len(n.Methods))
	for _, method := range n.Methods {
		if _, err := tx.Exec(`INSERT INTO delivery_states (notification_id, method, state, updated_at)
			VALUES (?, ?, ?, ?)`,
			n.ID, method, StatePending, formatTime(n.CreatedAt)); err != nil {
			return fmt.Errorf("inserting delivery state %q: %w", method, err)
		}
		n.Delivery[method] = StatePending
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing notification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetNotification(id string) (*Notification, error) {
	row := s.db.QueryRow(`SELECT id, brand_id, recipient_id, type, title, message,
		entity_type, entity_id, priority, methods, is_read, created_at, read_at
		FROM notifications WHERE id = ?`, id)

	n, err := scanNotification(row)
	if err != nil {
		return nil, err
	}

	n.Delivery, err = s.loadDelivery(id)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// MarkRead sets the read flag and timestamp. Marking an already-read
// notification is a no-op success; read state is monotonic.
func (s *SQLiteStore) MarkRead(id, recipientID string) error {
	var isRead int
	err := s.db.QueryRow("SELECT is_read FROM notifications WHERE id = ? AND recipient_id = ?",
		id, recipientID).Scan(&isRead)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("marking %q read: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading notification state: %w", err)
	}
	if isRead != 0 {
		return nil
	}

	_, err = s.db.Exec("UPDATE notifications SET is_read = 1, read_at = ? WHERE id = ?",
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("marking read: %w", err)
	}
	return nil
}

// MarkAllRead marks every unread notification for the recipient in the brand.
// Returns the number of rows affected.
func (s *SQLiteStore) MarkAllRead(recipientID, brandID string) (int, error) {
	res, err := s.db.Exec(`UPDATE notifications SET is_read = 1, read_at = ?
		WHERE recipient_id = ? AND brand_id = ? AND is_read = 0`,
		formatTime(time.Now().UTC()), recipientID, brandID)
	if err != nil {
		return 0, fmt.Errorf("marking all read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting affected rows: %w", err)
	}
	return int(affected), nil
}

// UpdateNotification edits title and message (empty string leaves a field
// unchanged). Restricted to pre-read records: editing something the user
// already saw is rejected with ErrAlreadyRead.
func (s *SQLiteStore) UpdateNotification(id, requesterID, title, message string) error {
	n, err := s.GetNotification(id)
	if err != nil {
		return err
	}
	if err := s.authorize(n, requesterID); err != nil {
		return err
	}
	if n.Read {
		return fmt.Errorf("updating %q: %w", id, ErrAlreadyRead)
	}

	if title == "" {
		title = n.Title
	}
	if message == "" {
		message = n.Message
	}

	_, err = s.db.Exec("UPDATE notifications SET title = ?, message = ? WHERE id = ?",
		title, message, id)
	if err != nil {
		return fmt.Errorf("updating notification: %w", err)
	}
	return nil
}

// DeleteNotification hard-deletes the recipient's copy. The requester must be
// the recipient or hold the brand manager role.
func (s *SQLiteStore) DeleteNotification(id, requesterID string) error {
	n, err := s.GetNotification(id)
	if err != nil {
		return err
	}
	if err := s.authorize(n, requesterID); err != nil {
		return err
	}

	if _, err := s.db.Exec("DELETE FROM notifications WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}
	return nil
}

// authorize allows the recipient and active brand managers.
func (s *SQLiteStore) authorize(n *Notification, requesterID string) error {
	if requesterID == n.RecipientID {
		return nil
	}
	role, err := s.Role(requesterID, n.BrandID)
	if err != nil {
		return err
	}
	if role != RoleManager {
		return fmt.Errorf("requester %q on notification %q: %w", requesterID, n.ID, ErrPermissionDenied)
	}
	return nil
}

// ListForRecipient returns one page ordered by creation time descending.
// The cursor is opaque to callers; an empty cursor starts from the newest
// record and an empty NextCursor marks the last page. This query is the sole
// recovery path for notifications created while a client was disconnected.
func (s *SQLiteStore) ListForRecipient(recipientID, brandID string, f Filter) (*Page, error) {
	query := `SELECT id, brand_id, recipient_id, type, title, message,
		entity_type, entity_id, priority, methods, is_read, created_at, read_at
		FROM notifications WHERE recipient_id = ? AND brand_id = ?`
	args := []interface{}{recipientID, brandID}

	if f.UnreadOnly {
		query += " AND is_read = 0"
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if f.Cursor != "" {
		createdAt, id, err := decodeCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, createdAt, createdAt, id)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1) // one extra row decides whether a next page exists

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var notifications []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	page := &Page{}
	if len(notifications) > limit {
		notifications = notifications[:limit]
		last := notifications[len(notifications)-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	for i := range notifications {
		notifications[i].Delivery, err = s.loadDelivery(notifications[i].ID)
		if err != nil {
			return nil, err
		}
	}
	page.Notifications = notifications
	return page, nil
}

func (s *SQLiteStore) CountUnread(recipientID, brandID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM notifications
		WHERE recipient_id = ? AND brand_id = ? AND is_read = 0`,
		recipientID, brandID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return count, nil
}

// SetDeliveryState records the outcome of one delivery method attempt.
func (s *SQLiteStore) SetDeliveryState(id, method string, state DeliveryState) error {
	res, err := s.db.Exec(`UPDATE delivery_states SET state = ?, updated_at = ?
		WHERE notification_id = ? AND method = ?`,
		state, formatTime(time.Now().UTC()), id, method)
	if err != nil {
		return fmt.Errorf("setting delivery state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("delivery state for %q/%q: %w", id, method, ErrNotFound)
	}
	return nil
}

// --- Brand Membership ---

func (s *SQLiteStore) AddMember(m *Member) error {
	if m.Role == "" {
		m.Role = RoleMember
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO brand_members (brand_id, user_id, role, active, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.BrandID, m.UserID, m.Role, boolToInt(m.Active), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("adding member: %w", err)
	}
	return nil
}

// IsMember reports whether the user holds an active membership in the brand.
func (s *SQLiteStore) IsMember(userID, brandID string) (bool, error) {
	var active int
	err := s.db.QueryRow("SELECT active FROM brand_members WHERE brand_id = ? AND user_id = ?",
		brandID, userID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking membership: %w", err)
	}
	return active != 0, nil
}

// Role returns the user's role in the brand, or "" without error when the
// user has no active membership.
func (s *SQLiteStore) Role(userID, brandID string) (string, error) {
	var role string
	err := s.db.QueryRow("SELECT role FROM brand_members WHERE brand_id = ? AND user_id = ? AND active = 1",
		brandID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading role: %w", err)
	}
	return role, nil
}

// --- Maintenance ---

// Cleanup purges read notifications older than the retention window.
func (s *SQLiteStore) Cleanup(retention time.Duration) error {
	cutoff := formatTime(time.Now().UTC().Add(-retention))

	if _, err := s.db.Exec("DELETE FROM notifications WHERE is_read = 1 AND read_at < ? AND read_at != ''", cutoff); err != nil {
		return fmt.Errorf("cleaning notifications: %w", err)
	}
	return nil
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var isRead int
	var methods, createdAt, readAt string

	err := row.Scan(&n.ID, &n.BrandID, &n.RecipientID, &n.Type, &n.Title, &n.Message,
		&n.Entity.Type, &n.Entity.ID, &n.Priority, &methods, &isRead, &createdAt, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning notification: %w", err)
	}

	n.Methods = strings.Split(methods, ",")
	n.Read = isRead != 0
	n.CreatedAt = parseTime(createdAt)
	n.ReadAt = parseTime(readAt)
	return &n, nil
}

func (s *SQLiteStore) loadDelivery(id string) (map[string]DeliveryState, error) {
	rows, err := s.db.Query("SELECT method, state FROM delivery_states WHERE notification_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("loading delivery states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	states := make(map[string]DeliveryState)
	for rows.Next() {
		var method, state string
		if err := rows.Scan(&method, &state); err != nil {
			return nil, fmt.Errorf("scanning delivery state: %w", err)
		}
		states[method] = DeliveryState(state)
	}
	return states, rows.Err()
}

func encodeCursor(createdAt time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(formatTime(createdAt) + "|" + id))
}

func decodeCursor(cursor string) (createdAt, id string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fmt.Errorf("invalid cursor: %w", err)
	}
	createdAt, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return "", "", fmt.Errorf("invalid cursor format")
	}
	return createdAt, id, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	// UTC keeps the zone suffix a constant "Z" so the text stays sortable.
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
