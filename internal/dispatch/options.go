package dispatch

import (
	"strconv"

	"pingbot/internal/storage"
	"pingbot/internal/transport"
)

const (
	payloadYes = "yes"
	payloadNo  = "no"

	maxButtonsPerRow = 3
)

// Buttons lays out the response options of tpl for dispatch shortID.
// Binary templates get Yes/No on one row; choice templates get one button per
// label in declared order, wrapped every maxButtonsPerRow.
func Buttons(shortID int64, tpl storage.Template) ([][]transport.Button, error) {
	if tpl.ResponseKind == storage.ResponseChoice {
		var (
			rows [][]transport.Button
			row  []transport.Button
		)
		for i, label := range tpl.Options {
			tok, err := EncodeToken(shortID, strconv.Itoa(i))
			if err != nil {
				return nil, err
			}
			row = append(row, transport.Button{Text: label, Data: tok})
			if len(row) == maxButtonsPerRow {
				rows = append(rows, row)
				row = nil
			}
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
		return rows, nil
	}

	yes, err := EncodeToken(shortID, payloadYes)
	if err != nil {
		return nil, err
	}
	no, err := EncodeToken(shortID, payloadNo)
	if err != nil {
		return nil, err
	}
	return [][]transport.Button{{
		{Text: "Yes", Data: yes},
		{Text: "No", Data: no},
	}}, nil
}

// ResolveLabel maps a button payload to the response label stored in the
// ledger. Choice payloads are indexes into the template's current options;
// anything that does not resolve falls back to the raw payload.
func ResolveLabel(tpl *storage.Template, payload string) string {
	if tpl == nil || tpl.ResponseKind != storage.ResponseChoice {
		return payload
	}
	idx, err := strconv.Atoi(payload)
	if err != nil || idx < 0 || idx >= len(tpl.Options) {
		return payload
	}
	return tpl.Options[idx]
}
