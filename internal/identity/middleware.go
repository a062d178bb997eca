package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/SteamVC/pixelroom/internal/models"
)

type ctxKey struct{}

// WithUser はユーザーを載せたcontextを返します
func WithUser(ctx context.Context, u models.User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// FromContext はcontextのユーザーを返します
func FromContext(ctx context.Context) (models.User, bool) {
	u, ok := ctx.Value(ctxKey{}).(models.User)
	return u, ok && u.ID != ""
}

// tokenFrom はAuthorizationヘッダーか、WebSocket用に?token=からトークンを取り出します
func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Middleware はトークンがあれば検証してユーザーをcontextに載せます
// トークンがない場合はそのまま通し、認証が必要かどうかはハンドラーが判断します
// 不正なトークンは401を返します
func Middleware(j *JWT) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFrom(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			user, err := j.Verify(token)
			if err != nil {
				logrus.WithError(err).WithField("path", r.URL.Path).Debug("rejected token")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"message":"invalid token"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
