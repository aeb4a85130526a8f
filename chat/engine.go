// Package chat is the delivery engine: it stores direct messages, pushes
// them to live connections and maintains read state.
package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/config"
	"github.com/moonpointer/xschat/gateway"
	"github.com/moonpointer/xschat/model"
	"github.com/moonpointer/xschat/plugin/hook"
	"github.com/moonpointer/xschat/user"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TypeMessage is the packet type carrying a chat message or read receipt.
const TypeMessage = "chat_message"

// Router delivers packets to the live connections of a user.
type Router interface {
	RouteToUser(userID int64, pkt *gateway.Packet) bool
}

// FriendChecker answers whether two users are friends.
type FriendChecker interface {
	AreFriends(ctx context.Context, a, b int64) (bool, error)
}

// Message is the wire form of a stored message or a read receipt.
type Message struct {
	ID         int64     `json:"id,omitempty"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content,omitempty"`
	Type       string    `json:"type"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

func toMessage(m *model.ChatMessage) Message {
	return Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Type:       m.Type,
		IsRead:     m.IsRead,
		CreatedAt:  m.CreatedAt,
	}
}

// HistoryPage is one page of a conversation, newest first.
type HistoryPage struct {
	Total   int64     `json:"total"`
	Current int       `json:"current"`
	Size    int       `json:"size"`
	Records []Message `json:"records"`
}

// SendResult is the outcome of Send.
type SendResult struct {
	Message   Message `json:"message"`
	Delivered bool    `json:"delivered"`
}

// Engine persists and routes direct messages.
type Engine struct {
	db      *gorm.DB
	users   *user.Store
	router  Router
	friends FriendChecker
	hooks   *hook.HookCenter
	cfg     config.ChatConfig
	logger  *zap.Logger
}

// NewEngine creates an Engine. friends is consulted only when
// cfg.RequireFriendship is set; hooks may be nil.
func NewEngine(db *gorm.DB, users *user.Store, router Router, friends FriendChecker, hooks *hook.HookCenter, cfg config.ChatConfig, logger *zap.Logger) *Engine {
	if cfg.MaxContentLen <= 0 {
		cfg.MaxContentLen = 2000
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.MaxPageSize < cfg.PageSize {
		cfg.MaxPageSize = cfg.PageSize
	}
	if hooks == nil {
		hooks = hook.NewHookCenter(logger)
	}
	return &Engine{db: db, users: users, router: router, friends: friends, hooks: hooks, cfg: cfg, logger: logger}
}

// Send stores a message from sender to receiver and then pushes it to the
// receiver's connections and, as a multi-device echo, to the sender's. The
// message is durable before any push; a missed push is not an error and the
// receiver finds the message through History.
func (e *Engine) Send(ctx context.Context, senderID, receiverID int64, content, msgType string) (*SendResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.BadRequest("content is empty")
	}
	if utf8.RuneCountInString(content) > e.cfg.MaxContentLen {
		return nil, apperr.BadRequest("content too long")
	}
	if msgType == "" {
		msgType = model.MsgText
	}
	if msgType != model.MsgText && msgType != model.MsgImage {
		return nil, apperr.BadRequest("unsupported message type")
	}
	if senderID == receiverID {
		return nil, apperr.InvalidOperation("cannot message yourself")
	}
	ok, err := e.users.Exists(ctx, receiverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("receiver not found")
	}
	if e.cfg.RequireFriendship && e.friends != nil {
		friends, err := e.friends.AreFriends(ctx, senderID, receiverID)
		if err != nil {
			return nil, err
		}
		if !friends {
			return nil, apperr.Forbidden("you can only message friends")
		}
	}

	msg := &model.ChatMessage{SenderID: senderID, ReceiverID: receiverID, Content: content, Type: msgType}
	if _, err := e.hooks.Trigger(ctx, hook.BeforeMessageSend, msg); err != nil {
		return nil, apperr.InvalidOperation("message rejected")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil, apperr.InvalidOperation("message rejected")
	}

	if err := e.db.WithContext(ctx).Create(msg).Error; err != nil {
		e.logger.Error("chat: persist failed",
			zap.Int64("sender_id", senderID), zap.Int64("receiver_id", receiverID), zap.Error(err))
		return nil, apperr.Unavailable(err)
	}

	wire := toMessage(msg)
	pkt, _ := gateway.NewPacket(TypeMessage, wire)
	delivered := e.router.RouteToUser(receiverID, pkt)
	e.router.RouteToUser(senderID, pkt)
	if !delivered {
		e.logger.Debug("chat: receiver offline, stored only",
			zap.Int64("message_id", msg.ID), zap.Int64("receiver_id", receiverID))
	}
	e.hooks.Fire(ctx, hook.AfterMessageSend, msg)
	return &SendResult{Message: wire, Delivered: delivered}, nil
}

// MarkRead flags every unread message from friendID to readerID as read in
// one statement, then pushes a READ_RECEIPT to friendID. The receipt is not
// stored. Returns the number of messages flagged.
func (e *Engine) MarkRead(ctx context.Context, readerID, friendID int64) (int64, error) {
	res := e.db.WithContext(ctx).Model(&model.ChatMessage{}).
		Where("sender_id = ? AND receiver_id = ? AND is_read = ?", friendID, readerID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, apperr.Unavailable(res.Error)
	}

	pkt, _ := gateway.NewPacket(TypeMessage, Message{
		SenderID:   readerID,
		ReceiverID: friendID,
		Type:       model.MsgReadReceipt,
		IsRead:     true,
		CreatedAt:  time.Now(),
	})
	if !e.router.RouteToUser(friendID, pkt) {
		e.logger.Debug("chat: read receipt not delivered",
			zap.Int64("reader_id", readerID), zap.Int64("friend_id", friendID))
	}
	return res.RowsAffected, nil
}

// History returns the conversation between userID and friendID in both
// directions, newest first. page is 1-based; size is clamped to the
// configured maximum.
func (e *Engine) History(ctx context.Context, userID, friendID int64, page, size int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = e.cfg.PageSize
	}
	if size > e.cfg.MaxPageSize {
		size = e.cfg.MaxPageSize
	}
	out := &HistoryPage{Current: page, Size: size, Records: []Message{}}

	conv := func() *gorm.DB {
		return e.db.WithContext(ctx).Model(&model.ChatMessage{}).
			Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
				userID, friendID, friendID, userID)
	}
	if err := conv().Count(&out.Total).Error; err != nil {
		return nil, apperr.Unavailable(err)
	}
	// past the last page; also keeps (page-1)*size from overflowing
	if int64(page-1) >= (out.Total+int64(size)-1)/int64(size) {
		return out, nil
	}
	var rows []model.ChatMessage
	if err := conv().Order("created_at DESC, id DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&rows).Error; err != nil {
		return nil, apperr.Unavailable(err)
	}
	for i := range rows {
		out.Records = append(out.Records, toMessage(&rows[i]))
	}
	return out, nil
}

// UnreadCounts returns, per sender, how many messages to userID are unread.
func (e *Engine) UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error) {
	var rows []struct {
		SenderID int64
		N        int64
	}
	err := e.db.WithContext(ctx).Model(&model.ChatMessage{}).
		Select("sender_id, COUNT(*) AS n").
		Where("receiver_id = ? AND is_read = ?", userID, false).
		Group("sender_id").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	out := make(map[int64]int64, len(rows))
	for _, r := range rows {
		out[r.SenderID] = r.N
	}
	return out, nil
}
