package main

import (
	"github.com/pterm/pterm"

	"github.com/arzzra/omic/pkg/session"
)

// printEvents выводит события сессий на консоль до закрытия канала
func printEvents(console *pterm.Logger, events <-chan session.Event) {
	for e := range events {
		switch e.Type {
		case session.EventConnected:
			console.Info("клиент подключен", console.Args(
				"session", e.SessionID,
				"address", e.Info.DisplayAddress,
			))
		case session.EventDisconnected:
			args := console.Args(
				"session", e.SessionID,
				"address", e.Info.DisplayAddress,
				"reason", string(e.Reason),
			)
			if e.Err != nil {
				console.Warn("клиент отключен", append(args, console.Args("error", e.Err.Error())...))
				continue
			}
			console.Info("клиент отключен", args)
		}
	}
}
