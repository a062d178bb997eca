package service

import (
	"context"
	"errors"

	"github.com/SteamVC/pixelroom/internal/repo"
)

// カスタムエラー定義
var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrNotFound         = errors.New("not found")
	ErrRoomFull         = errors.New("room is full")
	ErrValidation       = errors.New("validation error")
	ErrForbidden        = errors.New("forbidden: not room owner")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// storeErr はストア由来のエラーをサービスのエラーに変換します
// 既知のエラーはそのまま、それ以外はErrStoreUnavailableと原因を結合します
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrRoomNotFound):
		return ErrNotFound
	case errors.Is(err, repo.ErrRoomFull):
		return ErrRoomFull
	case errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrRoomFull),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, context.Canceled):
		return err
	default:
		return errors.Join(ErrStoreUnavailable, err)
	}
}
