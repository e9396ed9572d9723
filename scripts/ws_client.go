// Package main runs a demo client: it books one ride, follows the tour over the websocket and
// cancels the ride again so that a RouteChanged event arrives.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type wsMessage struct {
	Type    string          `json:"type"`
	TourID  string          `json:"tourId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	port := getEnv("PORT", "8080")
	token := getEnv("DEMO_TOKEN", "demo:admin")
	base := fmt.Sprintf("http://localhost:%s", port)

	// Book a ride between two points given as "lat,lon"
	var from, to [2]float64
	fmt.Sscanf(getEnv("DEMO_FROM", "50.00,8.00"), "%f,%f", &from[0], &from[1])
	fmt.Sscanf(getEnv("DEMO_TO", "50.04,8.00"), "%f,%f", &to[0], &to[1])
	requestID := fmt.Sprintf("demo-%d", time.Now().Unix())
	body, _ := json.Marshal(map[string]any{
		"requestId": requestID,
		"from":      map[string]float64{"lat": from[0], "lon": from[1]},
		"to":        map[string]float64{"lat": to[0], "lon": to[1]},
		"time":      time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339),
		"load":      map[string]int{"seats": 1},
	})
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/requests", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal().Err(err).Msg("book")
	}
	defer func() { _ = resp.Body.Close() }()
	var out struct {
		TourID string `json:"tourId"`
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatal().Err(err).Msg("decode booking")
	}
	if resp.StatusCode != http.StatusCreated {
		log.Fatal().Int("status", resp.StatusCode).Str("detail", out.Detail).Msg("booking rejected")
	}
	log.Info().Str("request", requestID).Str("tour", out.TourID).Msg("booked")

	// Follow the tour
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/tours/" + out.TourID + "/ws"}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Info().Err(err).Msg("read")
				return
			}
			log.Info().Str("type", m.Type).RawJSON("payload", orNull(m.Payload)).Msg("WS <-")
		}
	}()
	if err := c.WriteJSON(wsMessage{Type: "ping"}); err != nil {
		log.Fatal().Err(err).Msg("ping")
	}

	// Cancelling produces a RouteChanged event on the tour
	time.Sleep(500 * time.Millisecond)
	del, _ := http.NewRequest(http.MethodDelete, base+"/v1/requests/"+requestID, nil)
	del.Header.Set("Authorization", "Bearer "+token)
	if resp, err := http.DefaultClient.Do(del); err == nil {
		_ = resp.Body.Close()
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}

func orNull(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
