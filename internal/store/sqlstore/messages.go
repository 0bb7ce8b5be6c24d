package sqlstore

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/hirespot/chat/internal/models"
)

// statusRank mirrors models.MergeDelivery ordering for use inside SQL, so a
// transition only ever moves a row forward.
const statusRank = "CASE delivery_status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END"

func rankOf(status models.DeliveryStatus) int {
	switch status {
	case models.DeliverySent:
		return 1
	case models.DeliveryDelivered:
		return 2
	case models.DeliveryRead:
		return 3
	}
	return 0
}

func (s *SQLStore) SaveMessage(conversationID, senderID int, content string) (*models.Message, error) {
	query := s.rebind(`
		INSERT INTO messages (conversation_id, sender_id, content, delivery_status)
		VALUES (?, ?, ?, 'sent')
		RETURNING id, conversation_id, sender_id, content, delivery_status, created_at
	`)
	var m models.Message
	err := s.db.QueryRow(query, conversationID, senderID, content).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.DeliveryStatus, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) GetMessage(id int) (*models.Message, error) {
	query := s.rebind(`
		SELECT id, conversation_id, sender_id, content, delivery_status, created_at
		FROM messages WHERE id = ?
	`)
	var m models.Message
	err := s.db.QueryRow(query, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.DeliveryStatus, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessagesBefore returns up to limit messages newest first. A beforeID of
// zero or less starts from the latest message.
func (s *SQLStore) GetMessagesBefore(conversationID, beforeID, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if beforeID > 0 {
		query := s.rebind(`
			SELECT id, conversation_id, sender_id, content, delivery_status, created_at
			FROM messages WHERE conversation_id = ? AND id < ?
			ORDER BY id DESC LIMIT ?
		`)
		rows, err = s.db.Query(query, conversationID, beforeID, limit)
	} else {
		query := s.rebind(`
			SELECT id, conversation_id, sender_id, content, delivery_status, created_at
			FROM messages WHERE conversation_id = ?
			ORDER BY id DESC LIMIT ?
		`)
		rows, err = s.db.Query(query, conversationID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.DeliveryStatus, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// UpdateDeliveryStatus moves a message forward to status. It reports whether
// the row changed; a transition that would regress the state is a no-op.
func (s *SQLStore) UpdateDeliveryStatus(messageID int, status models.DeliveryStatus) (bool, error) {
	rank := rankOf(status)
	if rank == 0 {
		return false, fmt.Errorf("invalid delivery status %q", status)
	}
	query := s.rebind("UPDATE messages SET delivery_status = ? WHERE id = ? AND " + statusRank + " < ?")
	result, err := s.db.Exec(query, string(status), messageID, rank)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MarkConversationDelivered transitions every 'sent' message addressed to
// recipientID to 'delivered' and returns the affected message IDs.
func (s *SQLStore) MarkConversationDelivered(conversationID, recipientID int) ([]int, error) {
	query := s.rebind(`
		UPDATE messages SET delivery_status = 'delivered'
		WHERE conversation_id = ? AND sender_id <> ? AND delivery_status = 'sent'
		RETURNING id
	`)
	return s.collectIDs(query, conversationID, recipientID)
}

// MarkConversationRead transitions every not-yet-read message not sent by the
// viewer to 'read' and returns the affected message IDs.
func (s *SQLStore) MarkConversationRead(conversationID, viewerID int) ([]int, error) {
	query := s.rebind(`
		UPDATE messages SET delivery_status = 'read'
		WHERE conversation_id = ? AND sender_id <> ? AND delivery_status IN ('sent', 'delivered')
		RETURNING id
	`)
	return s.collectIDs(query, conversationID, viewerID)
}

func (s *SQLStore) collectIDs(query string, args ...any) ([]int, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *SQLStore) UnreadCount(conversationID, userID int) (int, error) {
	var count int
	query := s.rebind(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND sender_id <> ? AND delivery_status <> 'read'
	`)
	err := s.db.QueryRow(query, conversationID, userID).Scan(&count)
	return count, err
}
