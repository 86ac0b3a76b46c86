package storage

import (
	"context"
	"fmt"
)

// Message is one chat line. (SenderID, ReceiverID, Timestamp) is unique.
type Message struct {
	ID         int64  `json:"id"`
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
	IsRead     bool   `json:"isRead"`
}

// Dialog is the preview of a conversation: the latest message exchanged with
// a counterpart plus the number of unread messages from them.
type Dialog struct {
	PeerID int64   `json:"peerId"`
	Last   Message `json:"last"`
	Unread int     `json:"unread"`
}

const messageCols = `id, sender_id, receiver_id, sender_name, text, timestamp, is_read`

func (d *DB) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var read int
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.SenderName, &m.Text, &m.Timestamp, &read); err != nil {
			return nil, err
		}
		m.IsRead = read != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMessage stores m unless a message with the same sender, receiver and
// timestamp exists. Reports whether a row was written; watchers are
// refreshed only then.
func (d *DB) InsertMessage(ctx context.Context, m Message) (bool, error) {
	res, err := d.Exec(ctx, `
		INSERT INTO messages (sender_id, receiver_id, sender_name, text, timestamp, is_read)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (sender_id, receiver_id, timestamp) DO NOTHING`,
		m.SenderID, m.ReceiverID, m.SenderName, m.Text, m.Timestamp, boolInt(m.IsRead))
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		d.RefreshMessages()
	}
	return n > 0, nil
}

// Conversation returns the messages between a and b in either direction,
// oldest first.
func (d *DB) Conversation(ctx context.Context, a, b int64) ([]Message, error) {
	return d.queryMessages(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY timestamp ASC, id ASC`, a, b, b, a)
}

// MessagesForUser returns every message sent or received by uid, newest first.
func (d *DB) MessagesForUser(ctx context.Context, uid int64) ([]Message, error) {
	return d.queryMessages(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE sender_id = ? OR receiver_id = ?
		ORDER BY timestamp DESC, id DESC`, uid, uid)
}

// MarkAsRead flags every message from sender to receiver as read.
func (d *DB) MarkAsRead(ctx context.Context, senderID, receiverID int64) (int64, error) {
	res, err := d.Exec(ctx, `
		UPDATE messages SET is_read = 1
		WHERE sender_id = ? AND receiver_id = ? AND is_read = 0`, senderID, receiverID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		d.RefreshMessages()
	}
	return n, nil
}

// UnreadCount counts unread messages addressed to receiverID.
func (d *DB) UnreadCount(ctx context.Context, receiverID int64) (int, error) {
	var n int
	err := d.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE receiver_id = ? AND is_read = 0`, receiverID).Scan(&n)
	return n, err
}

// Dialogs lists one preview per counterpart of uid, most recent first.
func (d *DB) Dialogs(ctx context.Context, uid int64) ([]Dialog, error) {
	all, err := d.MessagesForUser(ctx, uid)
	if err != nil {
		return nil, err
	}
	index := make(map[int64]int)
	var out []Dialog
	for _, m := range all {
		peer := m.SenderID
		if peer == uid {
			peer = m.ReceiverID
		}
		i, ok := index[peer]
		if !ok {
			i = len(out)
			index[peer] = i
			out = append(out, Dialog{PeerID: peer, Last: m})
		}
		if m.ReceiverID == uid && !m.IsRead {
			out[i].Unread++
		}
	}
	return out, nil
}

// RefreshMessages wakes every message watcher so it re-queries. Used after
// writes that bypass InsertMessage and by the sync layer.
func (d *DB) RefreshMessages() {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	for ch := range d.watchers {
		select {
		case ch <- struct{}{}:
		default:
			// a refresh is already pending
		}
	}
}

// SubscribeMessages returns a channel signalled after message writes.
func (d *DB) SubscribeMessages() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	d.watchMu.Lock()
	d.watchers[ch] = struct{}{}
	d.watchMu.Unlock()

	cancel := func() {
		d.watchMu.Lock()
		if _, ok := d.watchers[ch]; ok {
			delete(d.watchers, ch)
			close(ch)
		}
		d.watchMu.Unlock()
	}
	return ch, cancel
}

// WatchConversation emits the conversation between a and b now and again
// after each refresh. The channel closes when ctx ends.
func (d *DB) WatchConversation(ctx context.Context, a, b int64) <-chan []Message {
	out := make(chan []Message, 1)
	sig, cancel := d.SubscribeMessages()

	go func() {
		defer close(out)
		defer cancel()
		for {
			msgs, err := d.Conversation(ctx, a, b)
			if err == nil {
				select {
				case out <- msgs:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sig:
				if !ok {
					return
				}
			}
		}
	}()
	return out
}
