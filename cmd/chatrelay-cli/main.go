// Package main provides a simple CLI client for chatting over the relay's
// WebSocket endpoint.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/domain"
	"chatrelay/internal/protocol"
)

// Client represents a WebSocket client.
type Client struct {
	conn   *websocket.Conn
	userID string
	done   chan struct{}
}

// NewClient connects to the relay and waits for the connected handshake.
func NewClient(addr, token string) (*Client, error) {
	url := addr
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn: conn,
		done: make(chan struct{}),
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connected: %w", err)
	}
	var connected protocol.ConnectedMessage
	if err := json.Unmarshal(data, &connected); err != nil || connected.Type != protocol.TypeConnected {
		conn.Close()
		return nil, fmt.Errorf("expected connected handshake, got: %s", string(data))
	}
	c.userID = connected.UserID
	return c, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	close(c.done)
	return c.conn.Close()
}

// SendTurn sends one chat_stream message and returns its correlation id.
func (c *Client) SendTurn(sessionID, content string) (string, error) {
	messageID := fmt.Sprintf("asst_%d", time.Now().UnixNano())
	msg := protocol.ChatStreamMessage{
		BaseMessage: protocol.BaseMessage{
			Type: protocol.TypeChatStream,
			Ts:   time.Now().UnixMilli(),
		},
		Data: domain.TurnRequest{
			SessionID:          sessionID,
			Content:            content,
			AssistantMessageID: messageID,
		},
	}
	return messageID, c.conn.WriteJSON(msg)
}

// SendStop asks the server to stop relaying chunks for a turn.
func (c *Client) SendStop(messageID string) error {
	msg := protocol.StopMessage{
		BaseMessage: protocol.BaseMessage{
			Type: protocol.TypeStop,
			Ts:   time.Now().UnixMilli(),
		},
	}
	msg.Data.MessageID = messageID
	return c.conn.WriteJSON(msg)
}

// ReadMessages renders server events until the connection closes. Chunk
// deltas print inline so the response streams like a terminal typewriter.
func (c *Client) ReadMessages() {
	for {
		select {
		case <-c.done:
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("Read error: %v", err)
				}
				return
			}

			var base protocol.BaseMessage
			if err := json.Unmarshal(data, &base); err != nil {
				log.Printf("Unmarshal error: %v", err)
				continue
			}

			switch base.Type {
			case protocol.TypeAssistantChunk:
				var chunk protocol.AssistantChunkEvent
				if err := json.Unmarshal(data, &chunk); err != nil {
					continue
				}
				fmt.Print(chunk.Content)
				if chunk.Done {
					fmt.Println()
				}
			case protocol.TypeAssistantComplete:
				var complete protocol.AssistantCompleteEvent
				if err := json.Unmarshal(data, &complete); err != nil {
					continue
				}
				if s := complete.Message.Stats; s != nil && s.TokensPerSecond > 0 {
					fmt.Printf("\n[%s: %.2f tokens/s]\n> ", complete.Message.Model, s.TokensPerSecond)
				} else {
					fmt.Print("\n> ")
				}
			case protocol.TypeError:
				var errMsg protocol.ErrorEvent
				json.Unmarshal(data, &errMsg)
				fmt.Printf("\n[error %s] %s\n> ", errMsg.Code, errMsg.Error)
			case protocol.TypeUserMessage:
				// Our own message echoed back; nothing to render.
			default:
				fmt.Printf("\n[%s] %s\n", base.Type, string(data))
			}
		}
	}
}

// createSession creates a session over the HTTP API.
func createSession(apiURL, userID, model string) (string, error) {
	body, _ := json.Marshal(map[string]string{"model": model})
	req, err := http.NewRequest(http.MethodPost, strings.TrimSuffix(apiURL, "/")+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create session failed: %s", resp.Status)
	}
	var session domain.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", err
	}
	return session.SessionID, nil
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket server address")
	apiURL := flag.String("api", "http://localhost:8081", "HTTP API base URL")
	token := flag.String("token", "", "connection token (user_id.secret)")
	sessionID := flag.String("session", "", "existing session id (created if empty)")
	model := flag.String("model", "llama3", "model for a newly created session")
	flag.Parse()

	log.SetFlags(log.Ltime)

	fmt.Printf("Connecting to %s...\n", *addr)

	client, err := NewClient(*addr, *token)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	fmt.Printf("Connected as %s\n", client.userID)

	session := *sessionID
	if session == "" {
		session, err = createSession(*apiURL, client.userID, *model)
		if err != nil {
			log.Fatalf("Failed to create session: %v", err)
		}
		fmt.Printf("Session created: %s (model %s)\n", session, *model)
	}

	fmt.Println("\nType a message and press Enter to send.")
	fmt.Println("Commands: /stop to stop the current response, /quit to exit")

	go client.ReadMessages()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	scanner := bufio.NewScanner(os.Stdin)
	var lastMessageID string

	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		default:
			if !scanner.Scan() {
				return
			}

			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}

			switch input {
			case "/quit":
				fmt.Println("Bye!")
				return
			case "/stop":
				if lastMessageID == "" {
					fmt.Println("Nothing to stop")
					continue
				}
				if err := client.SendStop(lastMessageID); err != nil {
					log.Printf("Send error: %v", err)
				}
				continue
			}

			lastMessageID, err = client.SendTurn(session, input)
			if err != nil {
				log.Printf("Send error: %v", err)
			}
		}
	}
}
