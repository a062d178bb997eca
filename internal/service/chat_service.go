package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/SteamVC/pixelroom/internal/metrics"
	"github.com/SteamVC/pixelroom/internal/models"
	"github.com/SteamVC/pixelroom/internal/repo"
)

// MaxMessageLength はチャットメッセージの最大文字数です
const MaxMessageLength = 500

type ChatService struct {
	chat repo.ChatRepo
}

func NewChatService(chat repo.ChatRepo) *ChatService {
	return &ChatService{chat: chat}
}

// Send はユーザーのメッセージを追加します
// 空白だけのメッセージはストアを呼ばずにErrValidationを返します
func (s *ChatService) Send(ctx context.Context, user models.User, roomID, text string) (models.ChatMessage, error) {
	if user.ID == "" {
		return models.ChatMessage{}, ErrUnauthenticated
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ChatMessage{}, errors.Join(ErrValidation, errors.New("message is empty"))
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return models.ChatMessage{}, errors.Join(ErrValidation, errors.New("message is too long"))
	}
	return s.append(ctx, roomID, models.ChatMessage{
		UserID:   user.ID,
		Username: user.DisplayName(),
		Message:  text,
		Type:     models.MessageUser,
	})
}

// SendSystem はシステムからのお知らせを追加します
func (s *ChatService) SendSystem(ctx context.Context, roomID, text string) (models.ChatMessage, error) {
	return s.append(ctx, roomID, models.ChatMessage{
		UserID:   models.SystemUserID,
		Username: "System",
		Message:  text,
		Type:     models.MessageSystem,
	})
}

func (s *ChatService) append(ctx context.Context, roomID string, m models.ChatMessage) (models.ChatMessage, error) {
	m.Timestamp = models.NowMillis()
	id, err := s.chat.AppendMessage(ctx, roomID, m)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("failed to send chat message")
		return models.ChatMessage{}, storeErr(err)
	}
	m.ID = id
	metrics.ChatMessages.WithLabelValues(string(m.Type)).Inc()
	return m, nil
}

// Subscribe はメッセージ一覧を追加のたびに配信します（時刻順）
func (s *ChatService) Subscribe(ctx context.Context, roomID string, fn func([]models.ChatMessage)) (func(), error) {
	cancel, err := s.chat.SubscribeChat(ctx, roomID, func(msgs []models.ChatMessage) {
		SortMessages(msgs)
		fn(msgs)
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return cancel, nil
}

// SortMessages はタイムスタンプ、IDの昇順に並べ替えます
// IDは送信者ごとに発行順で増えるため、同じミリ秒内の順序も保たれます
func SortMessages(msgs []models.ChatMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
}
