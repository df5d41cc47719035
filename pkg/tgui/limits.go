package tgui

import (
	"errors"
	"fmt"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

// MaxTextLen is the size of one Telegram message in runes.
const MaxTextLen = 4096

// ChunkLen is the split size for outgoing text. It leaves headroom under
// MaxTextLen for entities.
const ChunkLen = 4000

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")

// CheckCallbackData reports ErrCallbackDataTooLong when data would be
// rejected by Telegram.
func CheckCallbackData(data string) error {
	if len(data) > MaxCallbackDataLen {
		return fmt.Errorf("%w: %d bytes", ErrCallbackDataTooLong, len(data))
	}
	return nil
}
