package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pingbot/pkg/tgui"
)

var ErrMalformedToken = errors.New("malformed response token")

const tokenPrefix = "r_"

// EncodeToken builds the callback data "r_<short_id>_<payload>" carried by a
// response button.
func EncodeToken(shortID int64, payload string) (string, error) {
	if shortID <= 0 || payload == "" {
		return "", fmt.Errorf("%w: short id %d, payload %q", ErrMalformedToken, shortID, payload)
	}
	tok := tokenPrefix + strconv.FormatInt(shortID, 10) + "_" + payload
	if err := tgui.CheckCallbackData(tok); err != nil {
		return "", err
	}
	return tok, nil
}

// ParseToken splits callback data produced by EncodeToken. The payload is
// everything after the second underscore.
func ParseToken(data string) (shortID int64, payload string, err error) {
	rest, ok := strings.CutPrefix(data, tokenPrefix)
	if !ok {
		return 0, "", ErrMalformedToken
	}
	idPart, payload, ok := strings.Cut(rest, "_")
	if !ok || payload == "" {
		return 0, "", ErrMalformedToken
	}
	shortID, err = strconv.ParseInt(idPart, 10, 64)
	if err != nil || shortID <= 0 || idPart[0] == '+' {
		return 0, "", ErrMalformedToken
	}
	return shortID, payload, nil
}
