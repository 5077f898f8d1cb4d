package audit

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"

	"fieldsync/internal/pkg/logger"
	"fieldsync/internal/platform/database"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type AuditLog struct {
	ID           string         `json:"id"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IPAddress    string         `json:"ip_address"`
	UserAgent    string         `json:"user_agent"`
	CreatedAt    int64          `json:"created_at"`
}

// Logger records operator actions. Writes are asynchronous; Close waits for
// pending writes.
type Logger struct {
	db     *database.DB
	clock  clockwork.Clock
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func NewLogger(db *database.DB, clock clockwork.Clock) *Logger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Logger{db: db, clock: clock, logger: logger.WithComponent("audit")}
}

// Log records action on a resource. r supplies the client address and user agent.
func (l *Logger) Log(ctx context.Context, r *http.Request, actor, action, resourceType, resourceID string, metadata map[string]any) {
	entry := &AuditLog{
		ID:           "audit_" + uuid.New().String(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
		IPAddress:    "unknown",
		UserAgent:    "unknown",
		CreatedAt:    l.clock.Now().Unix(),
	}
	if r != nil {
		entry.IPAddress = ClientIP(r)
		entry.UserAgent = r.UserAgent()
	}

	metaJSON, _ := json.Marshal(metadata)
	ctx = context.WithoutCancel(ctx)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO audit_logs (id, actor, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.ID, entry.Actor, entry.Action, entry.ResourceType, entry.ResourceID, string(metaJSON), entry.IPAddress, entry.UserAgent, entry.CreatedAt)
		if err != nil {
			l.logger.Error().Err(err).Str("action", action).Msg("failed to write audit log")
		}
	}()
}

// Close waits for pending writes.
func (l *Logger) Close() {
	l.wg.Wait()
}

func (l *Logger) List(ctx context.Context, limit, offset int) ([]*AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, actor, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at
		FROM audit_logs ORDER BY created_at DESC, id LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*AuditLog{}
	for rows.Next() {
		var (
			a    AuditLog
			meta *string
		)
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.ResourceType, &a.ResourceID, &meta, &a.IPAddress, &a.UserAgent, &a.CreatedAt); err != nil {
			return nil, err
		}
		if meta != nil {
			json.Unmarshal([]byte(*meta), &a.Metadata)
		}
		logs = append(logs, &a)
	}
	return logs, rows.Err()
}

// ClientIP returns the first X-Forwarded-For hop, falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
