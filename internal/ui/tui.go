package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// TUIDisplay renders chat data using tview.
type TUIDisplay struct {
	app      *tview.Application
	messages *tview.TextView
	input    *tview.InputField
	roster   *tview.List
	send     func(string)
	once     sync.Once
}

func NewTUIDisplay(send func(string)) *TUIDisplay {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetRegions(false).
		SetScrollable(true)
	messages.SetBorder(true).SetTitle("Chat")

	roster := tview.NewList()
	roster.SetBorder(true).SetTitle("Users")

	input := tview.NewInputField().
		SetLabel("> ").
		SetFieldTextColor(tcell.ColorWhite)

	td := &TUIDisplay{
		app:      tview.NewApplication(),
		messages: messages,
		input:    input,
		roster:   roster,
		send:     send,
	}

	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			text := strings.TrimSpace(input.GetText())
			if text != "" {
				go td.send(text)
			}
			input.SetText("")
		}
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 5, false).
		AddItem(roster, 10, 1, false).
		AddItem(input, 3, 1, true)

	td.app.SetRoot(layout, true).EnableMouse(true)
	return td
}

func (t *TUIDisplay) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.once.Do(func() {
			t.app.Stop()
		})
	}()
	return t.app.Run()
}

func (t *TUIDisplay) ShowMessage(msg Message) {
	ts := msg.Time.Format("15:04:05")
	label := ""
	switch msg.Kind {
	case "dm":
		label = " [DM]"
	case "file":
		label = " [FILE]"
	}
	if msg.Channel != "" {
		label += " #" + msg.Channel
	}
	content := fmt.Sprintf("[yellow][%s][-] [lightgreen]%s%s[-]: %s\n", ts, msg.From, label, msg.Text)
	t.app.QueueUpdateDraw(func() {
		fmt.Fprint(t.messages, content)
	})
}

func (t *TUIDisplay) ShowSystem(text string) {
	content := fmt.Sprintf("[green]>>> %s[-]\n", text)
	t.app.QueueUpdateDraw(func() {
		fmt.Fprint(t.messages, content)
	})
}

func (t *TUIDisplay) UpdateRoster(users []Presence) {
	t.app.QueueUpdateDraw(func() {
		t.roster.Clear()
		for _, u := range users {
			status := "offline"
			if u.Online {
				status = "online"
			}
			t.roster.AddItem(fmt.Sprintf("%s@%s (%s)", u.UserID, u.Server, status), "", 0, nil)
		}
	})
}
