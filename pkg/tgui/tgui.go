package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Key is one inline button before it is turned into telebot markup.
type Key struct {
	Text string
	Data string
}

// Keyboard builds inline markup from rows of keys. Empty rows are skipped
// and every callback payload is checked against MaxCallbackDataLen. It
// returns nil markup when no key remains.
func Keyboard(rows [][]Key) (*tele.ReplyMarkup, error) {
	rm := &tele.ReplyMarkup{}
	out := make([]tele.Row, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		btns := make([]tele.Btn, len(row))
		for i, k := range row {
			if err := CheckCallbackData(k.Data); err != nil {
				return nil, err
			}
			btns[i] = tele.Btn{Text: k.Text, Data: k.Data}
		}
		out = append(out, rm.Row(btns...))
	}
	if len(out) == 0 {
		return nil, nil
	}
	rm.Inline(out...)
	return rm, nil
}
