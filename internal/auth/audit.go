package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/ssogate/internal/events"
	"github.com/hitoshi/ssogate/internal/model"
)

// LoginLogWriter はログイン監査ログの書き込み先。
type LoginLogWriter interface {
	Create(ctx context.Context, log *model.LoginLog) error
}

// Recorder はログイン監査ログの保存と認証イベントの送信をまとめて行う。
// 記録の失敗はログに残すのみで、呼び出し元の処理は失敗させない。
// nilのRecorderは何も記録しない。
type Recorder struct {
	logs      LoginLogWriter
	publisher events.Publisher
	now       func() time.Time
}

// NewRecorder はRecorderを生成する。publisherがnilの場合はイベントを送信しない。
func NewRecorder(logs LoginLogWriter, publisher events.Publisher) *Recorder {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Recorder{logs: logs, publisher: publisher, now: time.Now}
}

// LoginSucceeded は認証成功を記録する。
func (r *Recorder) LoginSucceeded(ctx context.Context, user *model.User, method model.LoginMethod, meta model.RequestMeta) {
	if r == nil {
		return
	}
	r.writeLog(ctx, &model.LoginLog{
		UserID:    user.ID,
		Email:     user.Email,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
		Method:    method,
	})

	typ := events.TypeLoginSucceeded
	switch method {
	case model.LoginMethodRefresh:
		typ = events.TypeTokenRefreshed
	case model.LoginMethodSSO:
		typ = events.TypeSSOMinted
	}
	r.publish(ctx, events.Event{
		Type:      typ,
		UserID:    user.ID,
		Method:    method,
		IPAddress: meta.IPAddress,
	})
}

// LoginFailed は認証失敗を記録する。ユーザーが特定できない場合userはnil。
func (r *Recorder) LoginFailed(ctx context.Context, user *model.User, email string, method model.LoginMethod, reason string, meta model.RequestMeta) {
	if r == nil {
		return
	}
	var userID string
	if user != nil {
		userID = user.ID
	}
	r.writeLog(ctx, &model.LoginLog{
		UserID:    userID,
		Email:     email,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   false,
		Method:    method,
		Reason:    reason,
	})
	r.publish(ctx, events.Event{
		Type:      events.TypeLoginFailed,
		UserID:    userID,
		Method:    method,
		Reason:    reason,
		IPAddress: meta.IPAddress,
	})
}

// Event はLoginLogを伴わない認証イベントを送信する。
func (r *Recorder) Event(ctx context.Context, typ events.Type, userID string, meta model.RequestMeta) {
	if r == nil {
		return
	}
	r.publish(ctx, events.Event{
		Type:      typ,
		UserID:    userID,
		IPAddress: meta.IPAddress,
	})
}

func (r *Recorder) writeLog(ctx context.Context, entry *model.LoginLog) {
	if r.logs == nil {
		return
	}
	entry.ID = uuid.New().String()
	entry.CreatedAt = r.now()
	if err := r.logs.Create(ctx, entry); err != nil {
		slog.Error("failed to write login log",
			slog.String("method", string(entry.Method)),
			slog.Bool("success", entry.Success),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Recorder) publish(ctx context.Context, event events.Event) {
	event.OccurredAt = r.now()
	if err := r.publisher.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish auth event",
			slog.String("type", string(event.Type)),
			slog.String("error", err.Error()),
		)
	}
}
