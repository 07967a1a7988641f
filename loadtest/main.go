package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws"
	RoomCount = 10  // dashboards to spread users across
	UserCount = 200 // total users; ~20 per room
	MsgCount  = 20  // messages per user
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	Username string `json:"username"`
}

func main() {
	log.Printf("🔥 STARTING STRESS TEST: %d users across %d rooms, %d messages each...", UserCount, RoomCount, MsgCount)
	var wg sync.WaitGroup

	for i := 0; i < UserCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runUser(id)
		}(i)
	}

	wg.Wait()
	log.Println("✅ LOAD TEST COMPLETE")
}

func runUser(id int) {
	username := fmt.Sprintf("load_u_%d", id)
	room := fmt.Sprintf("board-%d", id%RoomCount)

	token := authenticate(username, "password123")
	if token == "" {
		return
	}

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s/%s?token=%s", WSURL, room, token), nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", username, err)
		return
	}
	defer conn.Close()

	// Drain broadcasts so the server never sees us as a slow consumer.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < MsgCount; i++ {
		sendEnvelope(conn, username, "typing", map[string]interface{}{"is_typing": true})

		content := fmt.Sprintf("LoadTest msg %d from %s", i, username)
		sendEnvelope(conn, username, "chat_message", map[string]interface{}{"content": content})

		sendEnvelope(conn, username, "typing", map[string]interface{}{"is_typing": false})

		// Small sleep to prevent instant localhost bottleneck
		time.Sleep(25 * time.Millisecond)
	}
	log.Printf("✅ %s finished sending %d msgs to %s", username, MsgCount, room)
}

func sendEnvelope(conn *websocket.Conn, username, typ string, data map[string]interface{}) {
	env := map[string]interface{}{"type": typ, "data": data}
	if err := conn.WriteJSON(env); err != nil {
		log.Printf("❌ Send Fail [%s]: %v", username, err)
	}
}

// authenticate registers (ignores error if the user exists) and logs in.
func authenticate(username, password string) string {
	postJSON("/register", map[string]string{"username": username, "password": password})

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Printf("❌ Login Failed [%s]: %v", username, err)
		return ""
	}
	defer resp.Body.Close()

	var data AuthResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.Token
}

func postJSON(endpoint string, data interface{}) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(BaseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
