// Package http implements the local control interface: an HTML overview
// of the running swarms and a small JSON API.
package http

import (
	"encoding/json"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/jech/peerwire/config"
	"github.com/jech/peerwire/hash"
	"github.com/jech/peerwire/known"
	"github.com/jech/peerwire/peer"
	"github.com/jech/peerwire/storage"
	"github.com/jech/peerwire/swarm"
)

// NewHandler returns the handler for the control interface.
func NewHandler() http.Handler {
	r := mux.NewRouter()
	r.Use(localOnly)
	r.HandleFunc("/", index).Methods("GET", "HEAD")
	r.HandleFunc("/swarms", swarms).Methods("GET", "HEAD")
	r.HandleFunc("/rate", setRate).Methods("POST")

	s := r.PathPrefix("/swarms/{hash:[0-9a-fA-F]{40}}").Subrouter()
	s.HandleFunc("", withSwarm(status)).Methods("GET", "HEAD")
	s.HandleFunc("/peers", withSwarm(peers)).Methods("GET", "HEAD")
	s.HandleFunc("/peers.html", withSwarm(peersHTML)).Methods("GET", "HEAD")
	s.HandleFunc("/peers", withSwarm(addPeer)).Methods("POST")
	s.HandleFunc("/pause", withSwarm(submit(swarm.Pause{}))).Methods("POST")
	s.HandleFunc("/resume", withSwarm(submit(swarm.Resume{}))).Methods("POST")
	s.HandleFunc("/policy", withSwarm(setPolicy)).Methods("POST")
	return r
}

// localOnly rejects requests whose Host is a domain name other than
// localhost.  The server is only bound to localhost, but an attacker
// might be able to cause the user's browser to connect to localhost by
// manipulating the DNS.
func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host
		}
		if host != "localhost" && net.ParseIP(host) == nil {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type swarmHandler func(w http.ResponseWriter, r *http.Request, s *swarm.Swarm)

func withSwarm(f swarmHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := hash.Parse(mux.Vars(r)["hash"])
		if err != nil {
			http.NotFound(w, r)
			return
		}
		s := swarm.Get(h)
		if s == nil {
			http.NotFound(w, r)
			return
		}
		f(w, r, s)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("content-type", "application/json")
	w.Header().Set("cache-control", "no-cache")
	if r.Method == "HEAD" {
		return
	}
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	e.Encode(v)
}

func statuses() []*swarm.Status {
	var l []*swarm.Status
	for _, s := range swarm.All() {
		if st := s.Status(); st != nil {
			l = append(l, st)
		}
	}
	return l
}

func swarms(w http.ResponseWriter, r *http.Request) {
	l := statuses()
	if l == nil {
		l = []*swarm.Status{}
	}
	writeJSON(w, r, l)
}

func status(w http.ResponseWriter, r *http.Request, s *swarm.Swarm) {
	st := s.Status()
	if st == nil {
		http.Error(w, "swarm is starting", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r, st)
}

func peers(w http.ResponseWriter, r *http.Request, s *swarm.Swarm) {
	st := s.Status()
	if st == nil {
		http.Error(w, "swarm is starting", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r, st.Peers)
}

func submit(cmd swarm.Command) swarmHandler {
	return func(w http.ResponseWriter, r *http.Request, s *swarm.Swarm) {
		err := s.Submit(r.Context(), cmd)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func addPeer(w http.ResponseWriter, r *http.Request, s *swarm.Swarm) {
	addr, err := netip.ParseAddrPort(r.FormValue("addr"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	submit(swarm.AddPeer{Addr: addr, Kind: known.Heard})(w, r, s)
}

func setPolicy(w http.ResponseWriter, r *http.Request, s *swarm.Swarm) {
	var p swarm.Policy
	err := p.Set(r.FormValue("policy"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	submit(swarm.SetPolicy{Policy: p})(w, r, s)
}

func setRate(w http.ResponseWriter, r *http.Request) {
	v := r.FormValue("upload")
	rate, err := strconv.ParseFloat(v, 64)
	if err != nil || rate < 0 {
		http.Error(w, "bad upload rate", http.StatusBadRequest)
		return
	}
	swarm.SetUploadRate(rate)
	w.WriteHeader(http.StatusNoContent)
}

func header(w http.ResponseWriter, r *http.Request, title string) bool {
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.Header().Set("cache-control", "no-cache")
	if r.Method == "HEAD" {
		return true
	}
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head>\n")
	fmt.Fprintf(w, "<title>%v</title>\n", html.EscapeString(title))
	fmt.Fprintf(w, "</head><body>\n")
	return false
}

func footer(w http.ResponseWriter) {
	fmt.Fprintf(w, "</body></html>\n")
}

func index(w http.ResponseWriter, r *http.Request) {
	done := header(w, r, config.Version)
	if done {
		return
	}

	fmt.Fprintf(w, "<form action=\"/rate\" method=\"post\">Upload: <input type=\"text\" name=\"upload\"/> <input type=\"submit\"/></form>\n")
	fmt.Fprintf(w, "<p>Upload limit %.0f, %v bytes allocated.</p>\n",
		config.UploadRate(), storage.Allocated())

	l := statuses()
	slices.SortFunc(l, func(a, b *swarm.Status) int {
		if a.Name != b.Name {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Hash, b.Hash)
	})
	fmt.Fprintf(w, "<p><table>\n")
	for _, st := range l {
		state := st.Mode
		if st.Paused {
			state = "paused"
		}
		fmt.Fprintf(w, "<tr><td><a href=\"/swarms/%v/peers.html\">%v</a></td><td>%v</td><td>%v/%v</td><td>%v</td><td>%v peers</td><td>%v known</td></tr>\n",
			st.Hash, html.EscapeString(name(st)), state,
			st.Pieces-st.Missing, st.Pieces, st.Policy,
			len(st.Peers), st.Known)
	}
	fmt.Fprintf(w, "</table></p>\n")
	footer(w)
}

func name(st *swarm.Status) string {
	if st.Name != "" {
		return st.Name
	}
	return st.Hash
}

func peersHTML(w http.ResponseWriter, r *http.Request, s *swarm.Swarm) {
	st := s.Status()
	if st == nil {
		http.Error(w, "swarm is starting", http.StatusServiceUnavailable)
		return
	}
	done := header(w, r, "Peers for "+name(st))
	if done {
		return
	}

	ps := slices.Clone(st.Peers)
	slices.SortFunc(ps, func(a, b peer.Status) int {
		return strings.Compare(a.Id, b.Id)
	})
	fmt.Fprintf(w, "<p><table>\n")
	for i := range ps {
		hpeer(w, &ps[i])
	}
	fmt.Fprintf(w, "</table></p>\n")
	footer(w)
}

func peerVersion(id string, version string) string {
	if version != "" {
		return version
	}
	h, err := hash.Parse(id)
	if err != nil {
		return ""
	}
	if h[0] == '-' && h[7] == '-' {
		return string(h[1:7])
	}
	return ""
}

func hpeer(w http.ResponseWriter, p *peer.Status) {
	var flags strings.Builder
	if p.Outgoing {
		flags.WriteByte('>')
	} else {
		flags.WriteByte('<')
	}
	if !p.Choking {
		flags.WriteByte('U')
	}
	if p.Interested {
		flags.WriteByte('I')
	}
	if !p.PeerChoking {
		flags.WriteByte('u')
	}
	if p.PeerInterested {
		flags.WriteByte('i')
	}
	fmt.Fprintf(w, "<tr><td>%v</td><td>%v</td><td>%v</td><td>%v</td>",
		html.EscapeString(p.Addr),
		html.EscapeString(peerVersion(p.Id, p.Version)),
		p.State, flags.String())
	fmt.Fprintf(w, "<td>%v</td><td>%v/%v</td><td>%v</td>",
		p.Pieces, p.Requests, p.PeerRequests, p.Queued)
	fmt.Fprintf(w, "<td>%.0f</td><td>%.0f</td><td>%v</td></tr>\n",
		p.Download, p.Upload, p.Rtt.Round(time.Millisecond))
}
