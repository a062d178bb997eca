package handlers

import (
	"fmt"
	"strings"

	"github.com/SteamVC/pixelroom/internal/store"
)

// validateRoomId はルームIDのバリデーションを行います
// ルームIDはストアのパスの1セグメントとして使われるため、区切り文字や予約文字は使えません
func validateRoomId(roomId string) error {
	if normalizeID(roomId) == "" {
		return fmt.Errorf("roomId required")
	}
	if strings.Contains(roomId, "/") {
		return fmt.Errorf("invalid roomId")
	}
	if _, err := store.CleanPath(roomId); err != nil {
		return fmt.Errorf("invalid roomId")
	}
	return nil
}

func validateArtworkId(id string) error {
	if normalizeID(id) == "" {
		return fmt.Errorf("artworkId required")
	}
	return nil
}
