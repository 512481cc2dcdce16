package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConversationSummary is the listing shape: metadata without messages.
type ConversationSummary struct {
	ID        uint      `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateConversation starts a new conversation for userID. Title may be
// empty; listings substitute a placeholder.
func (s *Store) CreateConversation(userID uuid.UUID, title string) (*Conversation, error) {
	if runes := []rune(title); len(runes) > 200 {
		title = string(runes[:200])
	}
	conv := &Conversation{UserID: userID, Title: title}
	if err := s.db.Create(conv).Error; err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.logger.Debug("conversation created", "id", conv.ID, "user", userID)
	return conv, nil
}

// GetConversation loads a conversation and verifies ownership. A missing
// id yields ErrNotFound; an id owned by someone else yields ErrForbidden.
// The two are distinct on purpose: an explicit forbidden signal beats an
// ambiguous empty result.
func (s *Store) GetConversation(id uint, userID uuid.UUID) (*Conversation, error) {
	var conv Conversation
	err := s.db.First(&conv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation %d: %w", id, err)
	}
	if conv.UserID != userID {
		s.logger.Warn("cross-owner conversation access denied",
			"conversation", id, "owner", conv.UserID, "caller", userID)
		return nil, fmt.Errorf("conversation %d: %w", id, ErrForbidden)
	}
	return &conv, nil
}

// AppendMessage appends one immutable message to a conversation and bumps
// the parent's updated_at in the same transaction. The caller must have
// already verified ownership via GetConversation.
func (s *Store) AppendMessage(convID uint, role, content string, toolCalls datatypes.JSON) (*Message, error) {
	msg := &Message{
		ConversationID: convID,
		Role:           role,
		Content:        content,
		ToolCalls:      toolCalls,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&Conversation{}).
			Where("id = ?", convID).
			Update("updated_at", time.Now().UTC()).Error
	})
	if err != nil {
		return nil, fmt.Errorf("appending %s message: %w", role, err)
	}

	s.logger.Debug("message appended",
		"conversation", convID, "message", msg.ID, "role", role)
	return msg, nil
}

// ListConversations returns the caller's conversations ordered by most
// recent activity first.
func (s *Store) ListConversations(userID uuid.UUID, limit, offset int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	var convs []Conversation
	err := s.db.Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).Offset(offset).
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	summaries := make([]ConversationSummary, len(convs))
	for i, c := range convs {
		title := c.Title
		if title == "" {
			title = "New Conversation"
		}
		summaries[i] = ConversationSummary{
			ID:        c.ID,
			Title:     title,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		}
	}
	return summaries, nil
}

// ListMessages returns a conversation's messages in creation order after
// verifying the caller owns the conversation. Ties on created_at break
// by insertion order.
func (s *Store) ListMessages(convID uint, userID uuid.UUID, limit, offset int) ([]Message, error) {
	if _, err := s.GetConversation(convID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var msgs []Message
	err := s.db.Where("conversation_id = ?", convID).
		Order("created_at ASC, id ASC").
		Limit(limit).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

// RecentMessages returns the newest n messages of a conversation in
// chronological order (oldest of the n first). Used by the history
// loader; ownership must already be verified.
func (s *Store) RecentMessages(convID uint, n int) ([]Message, error) {
	var msgs []Message
	err := s.db.Where("conversation_id = ?", convID).
		Order("created_at DESC, id DESC").
		Limit(n).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("loading recent messages: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteConversation removes a conversation and all its messages. Fails
// with ErrNotFound/ErrForbidden exactly like GetConversation.
func (s *Store) DeleteConversation(convID uint, userID uuid.UUID) error {
	if _, err := s.GetConversation(convID, userID); err != nil {
		return err
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", convID).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Conversation{}, convID).Error
	})
	if err != nil {
		return fmt.Errorf("deleting conversation %d: %w", convID, err)
	}

	s.logger.Info("conversation deleted", "conversation", convID, "user", userID)
	return nil
}
