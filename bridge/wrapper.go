package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	kickchat "github.com/johanvandegriff/kick-chat-wrapper"
)

// WrapperTransport subscribes through kick-chat-wrapper, which manages its
// own Pusher socket. It is the last-resort endpoint when the raw Pusher
// endpoints reject a channel.
type WrapperTransport struct{}

func (WrapperTransport) Open(ctx context.Context, ep Endpoint, chatroomID int) (Conn, error) {
	type result struct {
		client *kickchat.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := kickchat.NewClient()
		if err == nil {
			if jerr := client.JoinChannelByID(chatroomID); jerr != nil {
				client.Close()
				err = fail(FatalEndpoint, 0, fmt.Errorf("join chatroom %d: %w", chatroomID, jerr))
			}
		}
		ch <- result{client, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			var f *Failure
			if errors.As(r.err, &f) {
				return nil, r.err
			}
			return nil, fail(Retryable, 0, fmt.Errorf("kick chat client: %w", r.err))
		}
		return &wrapperConn{client: r.client, room: chatroomID, msgs: r.client.ListenForMessages(), done: make(chan struct{})}, nil
	case <-ctx.Done():
		// the client may still connect; close it when it does
		go func() {
			if r := <-ch; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type wrapperConn struct {
	client *kickchat.Client
	room   int
	msgs   <-chan kickchat.ChatMessage
	done   chan struct{}
	once   sync.Once
}

func (c *wrapperConn) Recv() (Message, error) {
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				return Message{}, io.EOF
			}
			if m.ChatroomID != c.room || m.Content == "" {
				continue
			}
			return Message{
				Author:   m.Sender.Username,
				AuthorID: strconv.Itoa(m.Sender.ID),
				Text:     m.Content,
				SentAt:   m.CreatedAt,
			}, nil
		case <-c.done:
			return Message{}, io.EOF
		}
	}
}

func (c *wrapperConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.client.Close()
	})
	return nil
}
