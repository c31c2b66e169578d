package adapter

import (
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "moontele/internal/transport"
)

// classify attaches a transport kind to a Bot API error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return kit.Wrap(kit.KindTransient, op, err)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 429 || te.Code >= 500:
			return kit.Wrap(kit.KindTransient, op, err)
		case te.Code == 401:
			return kit.Wrap(kit.KindConfig, op, err)
		case te.Code >= 400:
			return kit.Wrap(kit.KindPermanent, op, err)
		}
	}
	return kit.Wrap(kit.Classify(err), op, err)
}

func isUnauthorized(err error) bool {
	if errors.Is(err, tele.ErrUnauthorized) {
		return true
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == 401 {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unauthorized")
}
