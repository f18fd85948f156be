package adapter

import (
	"html"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "smsbot/internal/transport"
)

// renderHTML renders an Outgoing body using Telegram's HTML parse mode.
// Embeds have no native Telegram equivalent; they become a bold header line,
// the description, then one "Name: value" line per field.
func renderHTML(msg kit.Outgoing) string {
	var b strings.Builder
	if msg.Mention != "" {
		b.WriteString(`<a href="tg://user?id=`)
		b.WriteString(html.EscapeString(msg.Mention))
		b.WriteString(`">user</a>`)
		if msg.Text != "" || msg.Code != "" {
			b.WriteString(" ")
		}
	}
	b.WriteString(html.EscapeString(msg.Text))
	if msg.Code != "" {
		if msg.Text != "" {
			b.WriteString(" ")
		}
		b.WriteString("<code>")
		b.WriteString(html.EscapeString(msg.Code))
		b.WriteString("</code>")
	}

	if e := msg.Embed; e != nil {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if e.Author != "" {
			if e.URL != "" {
				b.WriteString(`<b><a href="` + html.EscapeString(e.URL) + `">` + html.EscapeString(e.Author) + "</a></b>\n")
			} else {
				b.WriteString("<b>" + html.EscapeString(e.Author) + "</b>\n")
			}
		}
		b.WriteString(html.EscapeString(e.Description))
		for i, f := range e.Fields {
			if i == 0 && e.Description != "" {
				b.WriteString("\n")
			}
			b.WriteString("\n<b>" + html.EscapeString(f.Name) + ":</b> " + html.EscapeString(f.Value))
		}
	}
	return b.String()
}

func replyMarkup(buttons []kit.Button) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	row := make([]tele.InlineButton, 0, len(buttons))
	for _, btn := range buttons {
		text := btn.Label
		if btn.Emoji != "" {
			text = btn.Emoji + " " + text
		}
		row = append(row, tele.InlineButton{Text: text, Data: btn.ID})
	}
	return &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{row}}
}
