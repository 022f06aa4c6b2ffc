package chat

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"parley/server/internal/store"
)

// Export formats.
const (
	ExportJSON     = "json"
	ExportMarkdown = "markdown"
	ExportCSV      = "csv"
)

// exportBatch is how many messages one export query pulls at a time.
const exportBatch = 500

// ExportOptions narrows an export. The zero value exports the whole room.
type ExportOptions struct {
	Sender          string
	AfterSeq        *int64
	Before          *time.Time
	Limit           int
	IncludeMetadata bool
}

// Export renders a room's transcript in the given format. Messages come out
// in seq order; without an explicit limit the walk is batched so a large
// room does not load entirely into one query.
func (e *Engine) Export(ctx context.Context, roomID, format string, opts ExportOptions) ([]byte, string, error) {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, "", err
	}

	var msgs []store.Message
	if opts.Limit > 0 {
		msgs, err = e.store.ListMessages(ctx, room.ID, store.MessageFilter{
			Sender: opts.Sender, AfterSeq: opts.AfterSeq, Before: opts.Before, Limit: opts.Limit,
		})
		if err != nil {
			return nil, "", err
		}
	} else {
		after := int64(0)
		if opts.AfterSeq != nil {
			after = *opts.AfterSeq
		}
		for {
			batch, err := e.store.ListMessages(ctx, room.ID, store.MessageFilter{
				Sender: opts.Sender, AfterSeq: &after, Before: opts.Before, Limit: exportBatch,
			})
			if err != nil {
				return nil, "", err
			}
			msgs = append(msgs, batch...)
			if len(batch) < exportBatch {
				break
			}
			after = batch[len(batch)-1].Seq
		}
	}
	if !opts.IncludeMetadata {
		for i := range msgs {
			msgs[i].Metadata = nil
		}
	}

	switch format {
	case ExportJSON, "":
		body, err := exportJSON(room, msgs)
		return body, "application/json", err
	case ExportMarkdown:
		return exportMarkdown(room, msgs), "text/markdown; charset=utf-8", nil
	case ExportCSV:
		body, err := exportCSV(msgs)
		return body, "text/csv; charset=utf-8", err
	default:
		return nil, "", fmt.Errorf("%w: unknown export format %q", store.ErrInvalid, format)
	}
}

func exportJSON(room store.Room, msgs []store.Message) ([]byte, error) {
	room.AdminKey = ""
	doc := struct {
		Room       store.Room      `json:"room"`
		Messages   []store.Message `json:"messages"`
		Count      int             `json:"count"`
		ExportedAt time.Time       `json:"exported_at"`
	}{Room: room, Messages: msgs, Count: len(msgs), ExportedAt: time.Now().UTC()}
	return json.MarshalIndent(doc, "", "  ")
}

func exportMarkdown(room store.Room, msgs []store.Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n", room.Name)
	if room.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", room.Description)
	}
	var day string
	for _, m := range msgs {
		d := m.CreatedAt.Format("2006-01-02")
		if d != day {
			day = d
			fmt.Fprintf(&b, "## %s\n\n", day)
		}
		fmt.Fprintf(&b, "**%s** (%s):", m.Sender, m.CreatedAt.Format("15:04:05"))
		if m.EditedAt != nil {
			b.WriteString(" _(edited)_")
		}
		fmt.Fprintf(&b, "\n%s\n\n", m.Content)
	}
	return b.Bytes()
}

func exportCSV(msgs []store.Message) ([]byte, error) {
	var b bytes.Buffer
	w := csv.NewWriter(&b)
	if err := w.Write([]string{"seq", "created_at", "sender", "content", "reply_to", "edited"}); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		replyTo := ""
		if m.ReplyTo != nil {
			replyTo = *m.ReplyTo
		}
		edited := "false"
		if m.EditedAt != nil {
			edited = "true"
		}
		rec := []string{
			strconv.FormatInt(m.Seq, 10),
			m.CreatedAt.Format(time.RFC3339),
			m.Sender,
			m.Content,
			replyTo,
			edited,
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return b.Bytes(), w.Error()
}
