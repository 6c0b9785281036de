package gateway

import (
	"context"
	"log"

	"github.com/converse/chat-core/internal/protocol"
	"github.com/converse/chat-core/internal/ws"
)

// Register installs the gateway's handlers for every inbound message type
// on d. Ping is answered by the dispatcher itself.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	// -----------------------------------------------------------------------
	// join_conversation / leave_conversation
	// -----------------------------------------------------------------------
	d.Register(protocol.TypeJoinConversation, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.JoinConversationMsg)
		if !ok {
			return
		}
		_ = g.Subscribe(context.Background(), conn, m.ConversationID)
	})

	d.Register(protocol.TypeLeaveConversation, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.LeaveConversationMsg)
		if !ok {
			return
		}
		g.Unsubscribe(conn, m.ConversationID)
	})

	// -----------------------------------------------------------------------
	// send_message
	// -----------------------------------------------------------------------
	d.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		_ = g.SubmitMessage(context.Background(), conn, m.ConversationID, m.Content, m.MessageType)
	})

	// -----------------------------------------------------------------------
	// typing_start / typing_stop
	// -----------------------------------------------------------------------
	d.Register(protocol.TypeTypingStart, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.TypingMsg); ok {
			g.SetTyping(conn, m.ConversationID, true)
		}
	})

	d.Register(protocol.TypeTypingStop, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.TypingMsg); ok {
			g.SetTyping(conn, m.ConversationID, false)
		}
	})

	// -----------------------------------------------------------------------
	// update_status
	// -----------------------------------------------------------------------
	d.Register(protocol.TypeUpdateStatus, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.UpdateStatusMsg)
		if !ok {
			return
		}
		_ = g.UpdateStatus(context.Background(), conn, m.Status)
	})
}

// Attach hooks the gateway into the server's connection lifecycle: every
// upgraded connection is admitted, and every removed one disconnected.
func (g *Gateway) Attach(server *ws.Server) {
	server.SetOnConnect(func(conn *ws.Connection) {
		if err := g.Admit(conn); err != nil {
			log.Printf("[gateway] admit conn=%s: %v", conn.ID(), err)
			server.RemoveConnection(conn)
		}
	})
	server.SetOnDisconnect(func(conn *ws.Connection) {
		g.Disconnect(conn)
	})
}
