// Package events は認証イベントを監査用にKafkaへ送信する。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hitoshi/ssogate/internal/model"
)

// Type は認証イベントの種別。
type Type string

const (
	TypeLoginSucceeded  Type = "login.succeeded"
	TypeLoginFailed     Type = "login.failed"
	TypeTokenRefreshed  Type = "token.refreshed"
	TypeLogout          Type = "logout"
	TypeLogoutAll       Type = "logout.all"
	TypeSSOMinted       Type = "sso.minted"
	TypeUserRegistered  Type = "user.registered"
	TypeUserCreated     Type = "user.created"
	TypeUserProvisioned Type = "user.provisioned"
	TypePasswordReset   Type = "password.reset"
	TypePasswordChanged Type = "password.changed"
	TypeUserDeactivated Type = "user.deactivated"
)

// Event は認証イベント。トークンやパスワードは含めない。
type Event struct {
	Type       Type              `json:"type"`
	UserID     string            `json:"userId,omitempty"`
	Method     model.LoginMethod `json:"method,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	IPAddress  string            `json:"ipAddress,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Publisher は認証イベントの送信先。
// 送信失敗は認証処理を失敗させないため、呼び出し側はエラーをログに残すのみとする。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Writer はKafkaPublisherが使用するkafka.Writerのメソッド。
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher はイベントをJSONにしてKafkaトピックへ書き込む。
type KafkaPublisher struct {
	writer Writer
}

// NewKafkaPublisher はブローカーとトピックを指定してKafkaPublisherを生成する。
// 書き込みは非同期で行い、失敗はloggerに出力する。
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("failed to deliver auth events",
					slog.String("topic", topic),
					slog.Int("count", len(messages)),
					slog.String("error", err.Error()),
				)
			}
		},
	}
	return NewKafkaPublisherWithWriter(w)
}

// NewKafkaPublisherWithWriter は任意のWriterでKafkaPublisherを生成する。
func NewKafkaPublisherWithWriter(w Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish はイベントを送信する。同一ユーザーのイベントは同じパーティションに入る。
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.UserID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close はWriterを閉じ、未送信のメッセージを送り切る。
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop はKAFKA_BROKERS未設定時に使用する、何もしないPublisher。
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// compile-time interface check
var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = Nop{}
	_ Writer    = (*kafka.Writer)(nil)
)
