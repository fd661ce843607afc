package visor

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/cors"

	"github.com/skycoin/cyclenet/internal/httputil"
	"github.com/skycoin/cyclenet/internal/metrics"
	"github.com/skycoin/cyclenet/pkg/admission"
)

// PayloadIn is the body of a client payload request.
type PayloadIn struct {
	Data []byte `json:"data"`
}

// Handler returns the HTTP interface of the node. A master also serves
// configuration channels on /config and, when relaying, data on /data.
func (node *Node) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Default().Handler)
		r.Use(middleware.Timeout(time.Second * 30))
		r.Use(func(next http.Handler) http.Handler { return metrics.Handler(node.metrics, next) })
		r.Get("/summary", node.getSummary())
		r.Get("/peers", node.getPeers())
		r.Get("/pending", node.getPending())
		r.Post("/peers/{id}/accept", node.postDecision(true))
		r.Post("/peers/{id}/reject", node.postDecision(false))
		r.Post("/payload", node.postPayload())
		r.Post("/stop", node.postStop())
	})
	r.Handle("/metrics", node.metrics.Exporter())
	if node.setupSrv != nil {
		r.Handle("/config", node.setupSrv)
	}
	if node.relay != nil {
		r.Handle("/data", node.relay)
	}
	return r
}

func (node *Node) getSummary() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, r, http.StatusOK, node.Summary())
	}
}

func (node *Node) getPeers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peers, err := node.Peers()
		if err != nil {
			httputil.WriteJSON(w, r, statusOf(err), err)
			return
		}
		httputil.WriteJSON(w, r, http.StatusOK, peers)
	}
}

func (node *Node) getPending() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := node.Pending()
		if err != nil {
			httputil.WriteJSON(w, r, statusOf(err), err)
			return
		}
		httputil.WriteJSON(w, r, http.StatusOK, pending)
	}
}

func (node *Node) postDecision(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httputil.Uint16FromString(chi.URLParam(r, "id"))
		if err != nil {
			httputil.WriteJSON(w, r, http.StatusBadRequest, err)
			return
		}
		remember, err := httputil.BoolFromQuery(r, "remember", false)
		if err != nil {
			httputil.WriteJSON(w, r, http.StatusBadRequest, err)
			return
		}
		if err := node.Decide(id, accept, remember); err != nil {
			httputil.WriteJSON(w, r, statusOf(err), err)
			return
		}
		httputil.WriteJSON(w, r, http.StatusOK, true)
	}
}

func (node *Node) postPayload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in PayloadIn
		if err := httputil.ReadJSON(r, &in); err != nil {
			httputil.WriteJSON(w, r, http.StatusBadRequest, err)
			return
		}
		if err := node.SendClientPayload(in.Data); err != nil {
			httputil.WriteJSON(w, r, statusOf(err), err)
			return
		}
		httputil.WriteJSON(w, r, http.StatusOK, true)
	}
}

func (node *Node) postStop() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := node.Stop(); err != nil {
			httputil.WriteJSON(w, r, statusOf(err), err)
			return
		}
		httputil.WriteJSON(w, r, http.StatusOK, true)
	}
}

func statusOf(err error) int {
	switch err {
	case admission.ErrNotPending:
		return http.StatusNotFound
	case ErrNotMaster, ErrManualAdmission:
		return http.StatusBadRequest
	case ErrNotStarted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
