package server

import (
	"net/http"
	"time"

	"cnc-twin/internal/analytics"
	"cnc-twin/internal/features"
	"cnc-twin/internal/stream"
	"cnc-twin/internal/synth"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const feedWriteTimeout = 10 * time.Second

// handleFeed streams one synthesized record per refresh interval with its
// predictions and alerts until the client leaves or the server closes.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	params := s.cfg.Feed
	params.Start = time.Now()
	gen, err := synth.NewGenerator(params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Feed upgrade failed")
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.FeedClientsAdd(1)
		defer s.metrics.FeedClientsAdd(-1)
	}
	log.Info().Str("remote", r.RemoteAddr).Msg("Feed client connected")

	// Drain client frames so control messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		if err := conn.WriteJSON(s.feedFrame(gen, i)); err != nil {
			log.Debug().Err(err).Msg("Feed write failed")
			return
		}

		select {
		case <-gone:
			log.Info().Str("remote", r.RemoteAddr).Msg("Feed client disconnected")
			return
		case <-s.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(feedWriteTimeout))
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) feedFrame(gen *synth.Generator, i int) stream.FeedMessage {
	rec := gen.Row(i % gen.Params().Rows)
	rec.Timestamp = time.Now().UTC().Truncate(time.Second)

	pred := s.predictor.PredictVector(features.FromRecord(rec))
	alerts := analytics.Evaluate(rec, s.cfg.Thresholds)
	alerts = append(alerts, analytics.EvaluatePrediction(rec.MachineID, rec.Timestamp, pred, s.cfg.Thresholds)...)
	if s.metrics != nil {
		for _, a := range alerts {
			s.metrics.AlertInc(a.Type)
		}
	}
	return stream.FeedMessage{Record: rec, Prediction: pred, Alerts: alerts}
}
