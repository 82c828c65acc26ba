package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/consequence/explorer/internal/agent"
	"github.com/consequence/explorer/internal/assertion"
	"github.com/consequence/explorer/internal/bus"
	"github.com/consequence/explorer/internal/graph"
	"github.com/consequence/explorer/internal/protocol"
	"github.com/consequence/explorer/internal/session"
)

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"running":       true,
		"version":       version,
		"state":         s.client.State().String(),
		"tipHeight":     s.client.TipHeight(),
		"peersCount":    s.registry.Count(),
		"personas":      s.agent.HasPersonas(),
		"subscriptions": s.client.Bus().Count(),
		"watching":      s.client.Watched(),
		"broadcasting":  s.announcer != nil && s.announcer.IsBroadcasting(),
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": s.registry.GetAll(),
	})
}

// Personas

type personasResponse struct {
	Pool        [][]string  `json:"pool"`
	Selected    agent.Index `json:"selected"`
	SelectedKey string      `json:"selectedKey,omitempty"`
}

func (s *Server) personas() personasResponse {
	key, _ := s.agent.SelectedKey()
	return personasResponse{
		Pool:        s.agent.Pool(),
		Selected:    s.agent.Selected(),
		SelectedKey: key,
	}
}

func (s *Server) handleGetPersonas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.personas())
}

func (s *Server) handleImportPersonas(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passphrase string `json:"passphrase"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.agent.Import(req.Passphrase); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.personas())
}

func (s *Server) handleDeletePersonas(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Delete(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.personas())
}

func (s *Server) handleSelectPersona(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account int `json:"account"`
		Address int `json:"address"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.agent.Select(req.Account, req.Address); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.personas())
}

// Tip and premises

func (s *Server) handleGetTip(w http.ResponseWriter, r *http.Request) {
	tip, ok := s.client.TipHeader()
	if !ok {
		http.Error(w, "Tip header not yet known", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

func (s *Server) handleGetCurrentPremise(w http.ResponseWriter, r *http.Request) {
	s.writePremise(w, s.client.CurrentPremise())
}

func (s *Server) handleGetGenesisPremise(w http.ResponseWriter, r *http.Request) {
	s.writePremise(w, s.client.GenesisPremise())
}

func (s *Server) writePremise(w http.ResponseWriter, p *protocol.Premise) {
	if p == nil {
		http.Error(w, "Premise not yet loaded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleFetchPremise loads the premise at a height. The response becomes the
// session's current premise.
func (s *Server) handleFetchPremise(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseInt(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid height", http.StatusBadRequest)
		return
	}

	premise, err := await(r.Context(), s.wait, func(fn func(*protocol.Premise)) (bus.Cancel, error) {
		return s.client.RequestPremiseByHeight(height, func(p *protocol.Premise) {
			if p.Header.Height == height {
				fn(p)
			}
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, premise)
}

// Graph

type graphResponse struct {
	Graph *graph.Model `json:"graph"`
	Flows []graph.Flow `json:"flows"`
}

func respondGraph(w http.ResponseWriter, r *http.Request, m *graph.Model) {
	if deflate, _ := strconv.ParseBool(r.URL.Query().Get("deflate")); deflate {
		m = m.Deflate()
	}
	writeJSON(w, http.StatusOK, graphResponse{Graph: m, Flows: m.Flows()})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	respondGraph(w, r, s.client.Graph())
}

// handleRequestGraph fetches the graph around a key, or with watch set
// keeps it refreshed on every new premise until another key is watched.
func (s *Server) handleRequestGraph(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey     string   `json:"public_key"`
		RankingFilter *float64 `json:"ranking_filter"`
		Watch         bool     `json:"watch"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if req.RankingFilter != nil {
		if *req.RankingFilter < 0 || *req.RankingFilter > 100 {
			http.Error(w, "ranking_filter must be within 0..100", http.StatusBadRequest)
			return
		}
		s.client.SetRankingFilter(*req.RankingFilter)
	}

	key := req.PublicKey
	if key == "" {
		key, _ = s.agent.SelectedKey()
	}
	if key == "" {
		writeError(w, session.ErrMissingKey)
		return
	}

	if req.Watch {
		if err := s.watch(key); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"watching": key})
		return
	}

	model, err := await(r.Context(), s.wait, func(fn func(*graph.Model)) (bus.Cancel, error) {
		return s.client.RequestGraph(key, fn)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respondGraph(w, r, model)
}

func (s *Server) watch(key string) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	stop, err := s.client.WatchGraph(key)
	if err != nil {
		return err
	}
	if s.watchStop != nil && s.watchKey != key {
		s.watchStop()
	}
	s.watchKey, s.watchStop = key, stop
	s.logger.Info("watching graph", "public_key", key)
	return nil
}

func (s *Server) stopWatch() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.watchStop != nil {
		s.watchStop()
		s.watchKey, s.watchStop = "", nil
	}
}

// Profiles and assertions

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	profile, err := await(r.Context(), s.wait, func(fn func(protocol.Profile)) (bus.Cancel, error) {
		return s.client.RequestProfile(key, fn)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if profile.Error != "" {
		writeJSON(w, http.StatusNotFound, profile)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type assertionView struct {
	ID        string               `json:"assertion_id"`
	Reference string               `json:"reference"`
	Assertion *assertion.Assertion `json:"assertion"`
}

func viewOf(a *assertion.Assertion) assertionView {
	return assertionView{ID: assertion.ID(a), Reference: assertion.Reference(a), Assertion: a}
}

func viewsOf(list []*assertion.Assertion) []assertionView {
	views := make([]assertionView, 0, len(list))
	for _, a := range list {
		if a != nil {
			views = append(views, viewOf(a))
		}
	}
	return views
}

func (s *Server) handleGetAssertion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	a, err := await(r.Context(), s.wait, func(fn func(*assertion.Assertion)) (bus.Cancel, error) {
		return s.client.RequestAssertion(id, fn)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a))
}

func (s *Server) handleGetKeyAssertions(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	list, err := await(r.Context(), s.wait, func(fn func([]*assertion.Assertion)) (bus.Cancel, error) {
		return s.client.RequestPublicKeyAssertions(key, fn)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"public_key": key,
		"assertions": viewsOf(list),
	})
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	list, err := await(r.Context(), s.wait, func(fn func([]*assertion.Assertion)) (bus.Cancel, error) {
		return s.client.RequestPendingAssertions(key, fn)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"public_key": key,
		"assertions": viewsOf(list),
	})
}

// handlePushAssertion signs and sends an assertion. A peer that has not
// answered within the wait leaves the assertion pending with 202.
func (s *Server) handlePushAssertion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To         string `json:"to"`
		Memo       string `json:"memo"`
		Passphrase string `json:"passphrase"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	results := make(chan protocol.PushResult, 1)
	signed, cancel, err := s.client.PushAssertion(req.To, req.Memo, req.Passphrase, func(res protocol.PushResult) {
		select {
		case results <- res:
		default:
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	view := viewOf(signed)
	timer := time.NewTimer(s.wait)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.Error != "" {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"assertion_id": view.ID,
				"assertion":    signed,
				"error":        res.Error,
			})
			return
		}
		writeJSON(w, http.StatusCreated, view)
	case <-timer.C:
		writeJSON(w, http.StatusAccepted, view)
	case <-r.Context().Done():
		writeError(w, errors.Join(errTimeout, r.Context().Err()))
	}
}
