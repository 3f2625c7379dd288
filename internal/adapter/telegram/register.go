package telegram

import "github.com/loopsymphony/server/internal/port/notifier"

func init() {
	notifier.Register(providerName, func(config map[string]string) (notifier.Notifier, error) {
		return NewNotifier(config["bot_token"], config["chat_id"]), nil
	})
}
