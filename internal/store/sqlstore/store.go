package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/hirespot/chat/internal/models"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id INTEGER NOT NULL REFERENCES users(id),
		provider_id INTEGER NOT NULL REFERENCES users(id),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		CHECK (client_id <> provider_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id),
		sender_id INTEGER NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		delivery_status TEXT NOT NULL DEFAULT 'sent',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMP")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) CreateUser(user *models.User) error {
	var id int
	query := s.rebind("INSERT INTO users (username, display_name, avatar_url) VALUES (?, ?, ?) RETURNING id")
	if err := s.db.QueryRow(query, user.Username, user.DisplayName, user.AvatarURL).Scan(&id); err != nil {
		return err
	}
	user.ID = id
	return nil
}

func (s *SQLStore) GetUserByID(id int) (*models.User, error) {
	var user models.User
	query := s.rebind("SELECT id, username, display_name, avatar_url FROM users WHERE id = ?")
	err := s.db.QueryRow(query, id).Scan(&user.ID, &user.Username, &user.DisplayName, &user.AvatarURL)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *SQLStore) CreateConversation(clientID, providerID int) (int64, error) {
	var id int64
	query := s.rebind("INSERT INTO conversations (client_id, provider_id) VALUES (?, ?) RETURNING id")
	err := s.db.QueryRow(query, clientID, providerID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLStore) GetConversation(id int) (*models.Conversation, error) {
	var c models.Conversation
	query := s.rebind("SELECT id, client_id, provider_id, created_at FROM conversations WHERE id = ?")
	err := s.db.QueryRow(query, id).Scan(&c.ID, &c.ClientID, &c.ProviderID, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) IsParticipant(conversationID, userID int) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ? AND (client_id = ? OR provider_id = ?))")
	err := s.db.QueryRow(query, conversationID, userID, userID).Scan(&exists)
	return exists, err
}

func (s *SQLStore) GetUserConversations(userID int) ([]models.ConversationSummary, error) {
	query := s.rebind(`
		SELECT c.id, c.client_id, c.provider_id, c.created_at
		FROM conversations c
		WHERE c.client_id = ? OR c.provider_id = ?
		ORDER BY c.id DESC
	`)
	rows, err := s.db.Query(query, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []models.ConversationSummary
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.ClientID, &c.ProviderID, &c.CreatedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, models.ConversationSummary{Conversation: c})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range summaries {
		c := summaries[i].Conversation
		last, err := s.lastMessage(c.ID)
		if err != nil {
			return nil, err
		}
		summaries[i].LastMessage = last
		unread, err := s.UnreadCount(c.ID, userID)
		if err != nil {
			return nil, err
		}
		summaries[i].UnreadCount = unread
	}
	return summaries, nil
}

func (s *SQLStore) lastMessage(conversationID int) (*models.Message, error) {
	query := s.rebind(`
		SELECT id, conversation_id, sender_id, content, delivery_status, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY id DESC LIMIT 1
	`)
	var m models.Message
	err := s.db.QueryRow(query, conversationID).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.DeliveryStatus, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
