package store

import "github.com/hirespot/chat/internal/models"

type Store interface {
	// User operations
	CreateUser(user *models.User) error
	GetUserByID(id int) (*models.User, error)

	// Conversation operations
	CreateConversation(clientID, providerID int) (int64, error)
	GetConversation(id int) (*models.Conversation, error)
	GetUserConversations(userID int) ([]models.ConversationSummary, error)
	IsParticipant(conversationID, userID int) (bool, error)

	// Message operations
	SaveMessage(conversationID, senderID int, content string) (*models.Message, error)
	GetMessage(id int) (*models.Message, error)
	GetMessagesBefore(conversationID, beforeID, limit int) ([]models.Message, error)
	UpdateDeliveryStatus(messageID int, status models.DeliveryStatus) (bool, error)
	MarkConversationDelivered(conversationID, recipientID int) ([]int, error)
	MarkConversationRead(conversationID, viewerID int) ([]int, error)
	UnreadCount(conversationID, userID int) (int, error)
}
