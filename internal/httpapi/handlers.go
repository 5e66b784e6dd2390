package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"

	"go.uber.org/zap"

	"github.com/mapveto/backend/internal/hub"
	"github.com/mapveto/backend/internal/session"
	"github.com/mapveto/backend/internal/veto"
)

type createFixtureRequest struct {
	MapPool   []string `json:"map_pool"`
	Team1Name string   `json:"team_1_name"`
	Team2Name string   `json:"team_2_name"`
	Format    string   `json:"format"` // "bo1" | "bo3"
}

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

// CreateFixture spins up a veto session for one fixture and returns the id
// clients use on /ws?fixture=.
func CreateFixture(h *hub.Hub, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createFixtureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		format, ok := veto.ParseFormat(req.Format)
		if !ok {
			http.Error(w, "format must be bo1 or bo3", http.StatusBadRequest)
			return
		}
		if req.Team1Name == "" || req.Team2Name == "" {
			http.Error(w, "both team names are required", http.StatusBadRequest)
			return
		}

		var fixtureID string
		for {
			c, err := GenerateCode()
			if err != nil {
				http.Error(w, "failed to generate fixture id", http.StatusInternalServerError)
				return
			}
			reply := make(chan *session.Session, 1)
			h.Inbox() <- hub.GetSession{FixtureID: c, Reply: reply}
			if <-reply == nil {
				fixtureID = c
				break
			}
			log.Debugw("fixture id collision, regenerating", "id", c)
		}

		reply := make(chan *session.Session, 1)
		h.Inbox() <- hub.CreateSession{
			FixtureID: fixtureID,
			Cfg: session.Config{
				MapPool:   req.MapPool,
				Team1Name: req.Team1Name,
				Team2Name: req.Team2Name,
				Format:    format,
				Log:       log,
			},
			Reply: reply,
		}
		if <-reply == nil {
			http.Error(w, "failed to create session", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(struct {
			FixtureID string `json:"fixture_id"`
		}{FixtureID: fixtureID})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
